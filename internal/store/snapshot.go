package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot layout inside a directory:
//
//	index.bin       exported HNSW graph (absent when the store is empty)
//	embeddings.gob  live FaceEmbedding records, vectors included
//	metadata.json   identities, counts, format version
//
// metadata.json is written last and acts as the commit point: every
// file is staged under a .tmp name and renamed into place, so a crash
// mid-persist leaves the previous snapshot intact.
const (
	snapshotVersion = 1

	indexFile    = "index.bin"
	embedFile    = "embeddings.gob"
	metadataFile = "metadata.json"
)

type snapshotMetadata struct {
	Version    int                        `json:"version"`
	Dimension  int                        `json:"dimension"`
	Count      int                        `json:"count"` // live embeddings
	NextID     int64                      `json:"next_id"`
	SavedAt    time.Time                  `json:"saved_at"`
	Identities map[string]*IdentityRecord `json:"identities"`
}

// Persist writes an atomic snapshot of the store into dir.
func (s *Store) Persist(dir string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	live := s.liveEmbeddings()

	s.mu.RLock()
	meta := snapshotMetadata{
		Version:    snapshotVersion,
		Dimension:  s.opts.Dimension,
		Count:      len(live),
		NextID:     s.nextID,
		SavedAt:    time.Now().UTC(),
		Identities: s.identities,
	}
	metaJSON, err := json.Marshal(meta)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}

	var embBuf bytes.Buffer
	if err := gob.NewEncoder(&embBuf).Encode(live); err != nil {
		return fmt.Errorf("encode embeddings: %w", err)
	}

	// Stage everything, then rename with metadata.json last.
	indexTmp := filepath.Join(dir, indexFile+".tmp")
	if err := s.index.Load().export(indexTmp); err != nil {
		return err
	}
	if err := stageFile(filepath.Join(dir, embedFile), embBuf.Bytes()); err != nil {
		return err
	}
	if _, err := os.Stat(indexTmp); err == nil {
		if err := os.Rename(indexTmp, filepath.Join(dir, indexFile)); err != nil {
			return fmt.Errorf("commit index file: %w", err)
		}
	} else {
		// Empty index: export removed the staged file, drop any old one.
		_ = os.Remove(filepath.Join(dir, indexFile))
	}
	if err := stageFile(filepath.Join(dir, metadataFile), metaJSON); err != nil {
		return err
	}
	return nil
}

func stageFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Rebuilder supplies embeddings for index reconstruction when the
// on-disk snapshot is unusable. The postgres repository implements it.
type Rebuilder interface {
	ListAll(ctx context.Context) ([]FaceEmbedding, []IdentityRecord, error)
}

// Load replaces the store's contents from a snapshot directory. When
// the graph disagrees with the metadata count it rebuilds the index
// from the snapshot's own embedding records; if those are unreadable
// and a fallback is given, it rebuilds from the fallback; otherwise
// ErrCorruptIndex surfaces. A missing snapshot leaves the store empty.
func (s *Store) Load(ctx context.Context, dir string, fallback Rebuilder) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	metaJSON, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot metadata: %w", err)
	}

	var meta snapshotMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return fmt.Errorf("%w: metadata unreadable: %v", ErrCorruptIndex, err)
	}
	if meta.Version != snapshotVersion {
		return fmt.Errorf("%w: snapshot version %d, supported %d", ErrIncompatibleFormat, meta.Version, snapshotVersion)
	}
	if meta.Dimension != s.opts.Dimension {
		return fmt.Errorf("%w: snapshot dimension %d, store configured for %d", ErrDimensionMismatch, meta.Dimension, s.opts.Dimension)
	}

	embeddings, embErr := readEmbeddings(filepath.Join(dir, embedFile))
	if embErr == nil && len(embeddings) != meta.Count {
		embErr = fmt.Errorf("%w: metadata lists %d embeddings, found %d", ErrCorruptIndex, meta.Count, len(embeddings))
	}
	if embErr != nil {
		if fallback == nil {
			return embErr
		}
		return s.rebuildFromLocked(ctx, fallback)
	}

	ix, ixErr := loadANNIndex(filepath.Join(dir, indexFile), meta.Count)
	if ixErr == nil && ix.graphLen() != meta.Count {
		ixErr = fmt.Errorf("%w: graph holds %d vectors, metadata lists %d", ErrCorruptIndex, ix.graphLen(), meta.Count)
	}
	if ixErr != nil {
		// Metadata-referenced embeddings are intact; rebuild the graph
		// from them instead of failing.
		ix = buildANNIndex(embeddings)
	}

	s.installLocked(meta.Identities, embeddings, meta.NextID, ix)
	return nil
}

// RebuildFrom discards in-memory state and reloads everything from the
// given source, typically the postgres repository.
func (s *Store) RebuildFrom(ctx context.Context, src Rebuilder) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rebuildFromLocked(ctx, src)
}

func (s *Store) rebuildFromLocked(ctx context.Context, src Rebuilder) error {
	embs, ids, err := src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("rebuild from repository: %w", err)
	}

	identities := make(map[string]*IdentityRecord, len(ids))
	for i := range ids {
		rec := ids[i]
		identities[rec.Key] = &rec
	}
	var nextID int64
	pointers := make([]*FaceEmbedding, 0, len(embs))
	for i := range embs {
		emb := embs[i]
		if len(emb.Vector) != s.opts.Dimension {
			return fmt.Errorf("%w: repository embedding %d has dimension %d", ErrDimensionMismatch, emb.ID, len(emb.Vector))
		}
		if emb.ID > nextID {
			nextID = emb.ID
		}
		pointers = append(pointers, &emb)
	}

	s.installLocked(identities, pointers, nextID, buildANNIndex(pointers))
	return nil
}

// installLocked swaps in a complete new state. Requires writeMu.
func (s *Store) installLocked(identities map[string]*IdentityRecord, embeddings []*FaceEmbedding, nextID int64, ix *annIndex) {
	s.mu.Lock()
	if identities == nil {
		identities = make(map[string]*IdentityRecord)
	}
	s.identities = identities
	s.embeddings = make(map[int64]*FaceEmbedding, len(embeddings))
	s.hashes = make(map[string]int64, len(embeddings))
	s.tombstones = make(map[int64]struct{})
	for _, emb := range embeddings {
		s.embeddings[emb.ID] = emb
		if emb.Asset.ContentHash != "" {
			s.hashes[hashKey(emb.IdentityKey, emb.Asset.ContentHash)] = emb.ID
		}
	}
	s.nextID = nextID
	s.mu.Unlock()

	s.index.Store(ix)
}

func readEmbeddings(path string) ([]*FaceEmbedding, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read embeddings file: %w", err)
	}
	var out []*FaceEmbedding
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: embeddings unreadable: %v", ErrCorruptIndex, err)
	}
	return out, nil
}
