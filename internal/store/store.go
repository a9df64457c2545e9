package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Store.
type Options struct {
	// Dimension every stored vector must have.
	Dimension int
	// CompactRatio is the tombstoned fraction that triggers an index
	// rebuild. Zero disables automatic compaction.
	CompactRatio float64
	// ScopeOverfetch multiplies k when a query carries a scope, since
	// the index itself is not scope-aware and filtering happens by
	// re-ranking a larger candidate pool.
	ScopeOverfetch int
}

func (o Options) withDefaults() Options {
	if o.Dimension <= 0 {
		o.Dimension = 512
	}
	if o.ScopeOverfetch <= 0 {
		o.ScopeOverfetch = 4
	}
	return o
}

// Store is the persistent, queryable collection of face embeddings
// grouped by identity. Reads run concurrently; mutations are serialized
// by writeMu, and compaction swaps the active index atomically so
// in-flight queries see either the old or the new graph, never a
// partial one.
type Store struct {
	opts Options

	// writeMu serializes all mutations (add, remove, compact, load).
	writeMu sync.Mutex

	// mu guards the maps below.
	mu         sync.RWMutex
	identities map[string]*IdentityRecord
	embeddings map[int64]*FaceEmbedding
	tombstones map[int64]struct{}
	// hashes maps identityKey+"\x00"+contentHash to the embedding that
	// owns it, making Add idempotent per identity.
	hashes map[string]int64
	nextID int64

	index atomic.Pointer[annIndex]
}

// New creates an empty store.
func New(opts Options) *Store {
	s := &Store{
		opts:       opts.withDefaults(),
		identities: make(map[string]*IdentityRecord),
		embeddings: make(map[int64]*FaceEmbedding),
		tombstones: make(map[int64]struct{}),
		hashes:     make(map[string]int64),
	}
	s.index.Store(newANNIndex())
	return s
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int { return s.opts.Dimension }

func hashKey(identityKey, contentHash string) string {
	return identityKey + "\x00" + contentHash
}

// UpsertIdentity creates or updates the identity record for key. Role
// and style are merged; display name is overwritten when non-empty.
func (s *Store) UpsertIdentity(key, displayName, title, roleName, style string) *IdentityRecord {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertIdentityLocked(key, displayName, title, roleName, style)
}

func (s *Store) upsertIdentityLocked(key, displayName, title, roleName, style string) *IdentityRecord {
	now := time.Now().UTC()
	rec, ok := s.identities[key]
	if !ok {
		rec = &IdentityRecord{Key: key, CreatedAt: now}
		s.identities[key] = rec
	}
	if displayName != "" {
		rec.DisplayName = displayName
	}
	if title != "" && roleName != "" {
		if rec.Roles == nil {
			rec.Roles = make(map[string]string)
		}
		rec.Roles[title] = roleName
	}
	if style != "" {
		rec.Style = style
	}
	rec.UpdatedAt = now
	return rec
}

// Identity returns the record for key, or nil.
func (s *Store) Identity(key string) *IdentityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identities[key]
}

// Identities returns all identity records, sorted by key.
func (s *Store) Identities() []*IdentityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*IdentityRecord, 0, len(s.identities))
	for _, rec := range s.identities {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Add appends an embedding for the identity. Vectors are normalized on
// the way in. A duplicate content hash for the same identity is a
// no-op returning the existing embedding ID, never an error.
func (s *Store) Add(identityKey string, vec []float32, asset AssetRef, bbox []float64, detScore, quality float64) (int64, error) {
	if identityKey == "" {
		return 0, fmt.Errorf("add embedding: identity key is required")
	}
	if len(vec) != s.opts.Dimension {
		return 0, fmt.Errorf("%w: got %d, store configured for %d", ErrDimensionMismatch, len(vec), s.opts.Dimension)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if asset.ContentHash != "" {
		if id, ok := s.hashes[hashKey(identityKey, asset.ContentHash)]; ok {
			s.mu.Unlock()
			return id, nil
		}
	}

	s.nextID++
	id := s.nextID
	emb := &FaceEmbedding{
		ID:          id,
		IdentityKey: identityKey,
		Vector:      Normalize(vec),
		Asset:       asset,
		BBox:        bbox,
		DetScore:    detScore,
		Quality:     quality,
		CreatedAt:   time.Now().UTC(),
	}
	s.embeddings[id] = emb
	if asset.ContentHash != "" {
		s.hashes[hashKey(identityKey, asset.ContentHash)] = id
	}
	rec := s.upsertIdentityLocked(identityKey, "", "", "", "")
	rec.EmbeddingCount++
	s.mu.Unlock()

	s.index.Load().add(id, emb.Vector)
	return id, nil
}

// RemoveEmbedding tombstones one embedding. The vector stays in the
// graph until compaction but is filtered out of every query.
func (s *Store) RemoveEmbedding(id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	emb, ok := s.embeddings[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove embedding %d: not found", id)
	}
	if _, dead := s.tombstones[id]; !dead {
		s.tombstones[id] = struct{}{}
		if rec := s.identities[emb.IdentityKey]; rec != nil {
			rec.EmbeddingCount--
			rec.UpdatedAt = time.Now().UTC()
		}
		if emb.Asset.ContentHash != "" {
			delete(s.hashes, hashKey(emb.IdentityKey, emb.Asset.ContentHash))
		}
	}
	needCompact := s.needsCompactLocked()
	s.mu.Unlock()

	if needCompact {
		s.compactLocked()
	}
	return nil
}

// RemoveIdentity tombstones every embedding of an identity and drops
// the identity record.
func (s *Store) RemoveIdentity(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, ok := s.identities[key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove identity %q: %w", key, ErrUnknownIdentity)
	}
	for id, emb := range s.embeddings {
		if emb.IdentityKey != key {
			continue
		}
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		s.tombstones[id] = struct{}{}
		if emb.Asset.ContentHash != "" {
			delete(s.hashes, hashKey(key, emb.Asset.ContentHash))
		}
	}
	delete(s.identities, key)
	needCompact := s.needsCompactLocked()
	s.mu.Unlock()

	if needCompact {
		s.compactLocked()
	}
	return nil
}

func (s *Store) needsCompactLocked() bool {
	if s.opts.CompactRatio <= 0 || len(s.embeddings) == 0 {
		return false
	}
	return float64(len(s.tombstones))/float64(len(s.embeddings)) > s.opts.CompactRatio
}

// Compact rebuilds the index from live embeddings and swaps it in
// atomically. Callers holding no locks may invoke it directly to force
// an immediate rebuild after bulk deletes.
func (s *Store) Compact() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.compactLocked()
}

// compactLocked requires writeMu.
func (s *Store) compactLocked() {
	s.mu.Lock()
	live := make([]*FaceEmbedding, 0, len(s.embeddings)-len(s.tombstones))
	for id, emb := range s.embeddings {
		if _, dead := s.tombstones[id]; dead {
			delete(s.embeddings, id)
			continue
		}
		live = append(live, emb)
	}
	s.tombstones = make(map[int64]struct{})
	s.mu.Unlock()

	// Build outside the metadata lock; queries keep using the old
	// graph until the pointer swap below.
	s.index.Store(buildANNIndex(live))
}

// Query returns up to k nearest identities for the probe vector,
// sorted by non-decreasing cosine distance. With a scope, a larger
// candidate pool is fetched and re-ranked; if fewer than k candidates
// survive the filter the result is simply shorter.
func (s *Store) Query(vec []float32, k int, scope Scope) ([]Result, error) {
	if len(vec) != s.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, store configured for %d", ErrDimensionMismatch, len(vec), s.opts.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	fetch := k
	if scope != nil {
		fetch = k * s.opts.ScopeOverfetch
	}

	probe := Normalize(vec)
	ids, dists := s.index.Load().search(probe, fetch)

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Result, 0, k)
	for i, id := range ids {
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		emb, ok := s.embeddings[id]
		if !ok {
			continue
		}
		rec := s.identities[emb.IdentityKey]
		if rec == nil || !scope.Allows(emb.IdentityKey) {
			continue
		}
		results = append(results, Result{Identity: rec, EmbeddingID: id, Distance: dists[i]})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// EmbeddingsFor returns live embeddings owned by an identity, sorted by
// ascending quality (the eviction order).
func (s *Store) EmbeddingsFor(key string) []*FaceEmbedding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*FaceEmbedding
	for id, emb := range s.embeddings {
		if emb.IdentityKey != key {
			continue
		}
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		out = append(out, emb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Quality < out[j].Quality })
	return out
}

// Stats returns counts describing the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.embeddings)
	dead := len(s.tombstones)
	var frac float64
	if total > 0 {
		frac = float64(dead) / float64(total)
	}
	return Stats{
		Identities:      len(s.identities),
		Embeddings:      total - dead,
		Deleted:         dead,
		DeletedFraction: frac,
		Dimension:       s.opts.Dimension,
	}
}

// liveEmbeddings snapshots non-tombstoned embeddings, sorted by ID.
func (s *Store) liveEmbeddings() []*FaceEmbedding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FaceEmbedding, 0, len(s.embeddings)-len(s.tombstones))
	for id, emb := range s.embeddings {
		if _, dead := s.tombstones[id]; dead {
			continue
		}
		out = append(out, emb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
