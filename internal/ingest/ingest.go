package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/imagehash"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

// FaceAnalyzer detects faces and computes their embeddings.
type FaceAnalyzer interface {
	Analyze(ctx context.Context, image []byte) ([]faceapi.Face, error)
}

// Saver mirrors accepted embeddings into durable storage. Nil Saver
// means the run is file-snapshot only.
type Saver interface {
	SaveEmbedding(ctx context.Context, emb *store.FaceEmbedding) error
	DeleteEmbedding(ctx context.Context, identityKey, contentHash string) error
}

// Asset is one image to ingest for an identity.
type Asset struct {
	Source string
	Data   []byte
}

// AssetError records a per-asset failure that did not stop the run.
type AssetError struct {
	Source string
	Err    error
}

// Report summarizes one ingestion run. Counts partition the input:
// every asset lands in exactly one of Added, Duplicates, NoFace,
// Ambiguous, Rejected, or Failures.
type Report struct {
	Total      int
	Added      int
	Duplicates int
	NoFace     int
	Ambiguous  int
	Rejected   int
	Evicted    int
	Failures   []AssetError
}

// Pipeline turns raw cast imagery into stored face embeddings:
// detect, grade, deduplicate, then insert under a per-identity cap.
type Pipeline struct {
	analyzer FaceAnalyzer
	store    *store.Store
	saver    Saver
	tuning   config.IngestTuning
	dedup    config.DedupTuning

	// OnProgress, when set, is called after each asset finishes the
	// analysis stage.
	OnProgress func(done, total int)
}

// New creates an ingestion pipeline. saver may be nil.
func New(analyzer FaceAnalyzer, st *store.Store, saver Saver, tuning config.IngestTuning, dedup config.DedupTuning) *Pipeline {
	if tuning.Concurrency <= 0 {
		tuning.Concurrency = 4
	}
	return &Pipeline{
		analyzer: analyzer,
		store:    st,
		saver:    saver,
		tuning:   tuning,
		dedup:    dedup,
	}
}

// candidate is an analyzed asset that survived detection.
type candidate struct {
	source  string
	hash    string
	width   int
	height  int
	face    faceapi.Face
	quality float64
	hashes  *imagehash.Hashes
}

// Run ingests assets for one identity. Per-asset problems are recorded
// in the report and do not stop the run; a store or durable-storage
// write failure aborts immediately, and the report then covers only
// what succeeded before it.
func (p *Pipeline) Run(ctx context.Context, identityKey string, assets []Asset) (*Report, error) {
	if identityKey == "" {
		return nil, fmt.Errorf("ingest: identity key is required")
	}

	report := &Report{Total: len(assets)}

	existing := p.store.EmbeddingsFor(identityKey)
	existingHashes := make(map[string]bool, len(existing))
	for _, emb := range existing {
		existingHashes[emb.Asset.ContentHash] = true
	}

	// Stage 1: analyze concurrently. Results keep their input slot so
	// the acceptance order below is deterministic.
	candidates := make([]*candidate, len(assets))
	var mu sync.Mutex
	var done int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.tuning.Concurrency)
	for i, asset := range assets {
		g.Go(func() error {
			cand, skip, err := p.analyze(gctx, identityKey, asset, existingHashes)

			mu.Lock()
			defer mu.Unlock()
			done++
			if p.OnProgress != nil {
				p.OnProgress(done, report.Total)
			}
			switch {
			case err != nil:
				report.Failures = append(report.Failures, AssetError{Source: asset.Source, Err: err})
			case skip != skipNone:
				report.count(skip)
			default:
				candidates[i] = cand
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Stage 2: grade and insert sequentially, best first, so the cap
	// keeps the strongest crops and near-duplicates lose to their
	// better copy.
	analyzed := make([]*candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand != nil {
			analyzed = append(analyzed, cand)
		}
	}
	sort.SliceStable(analyzed, func(i, j int) bool { return analyzed[i].quality > analyzed[j].quality })

	var accepted []*candidate
	for _, cand := range analyzed {
		if p.isNearDuplicate(cand, accepted, existing) {
			report.Duplicates++
			continue
		}

		ok, err := p.insert(ctx, identityKey, cand, report)
		if err != nil {
			return report, err
		}
		if ok {
			accepted = append(accepted, cand)
		}
	}
	return report, nil
}

type skipReason int

const (
	skipNone skipReason = iota
	skipDuplicate
	skipNoFace
	skipAmbiguous
	skipRejected
)

func (r *Report) count(reason skipReason) {
	switch reason {
	case skipDuplicate:
		r.Duplicates++
	case skipNoFace:
		r.NoFace++
	case skipAmbiguous:
		r.Ambiguous++
	case skipRejected:
		r.Rejected++
	}
}

// analyze runs detection on one asset and grades the face crop.
func (p *Pipeline) analyze(ctx context.Context, identityKey string, asset Asset, existingHashes map[string]bool) (*candidate, skipReason, error) {
	sum := sha256.Sum256(asset.Data)
	hash := hex.EncodeToString(sum[:])
	if existingHashes[hash] {
		return nil, skipDuplicate, nil
	}

	img, _, err := image.Decode(bytes.NewReader(asset.Data))
	if err != nil {
		return nil, skipNone, fmt.Errorf("decode %s: %w", asset.Source, err)
	}

	faces, err := p.analyzer.Analyze(ctx, asset.Data)
	if err != nil {
		return nil, skipNone, fmt.Errorf("analyze %s: %w", asset.Source, err)
	}

	confident := faces[:0:len(faces)]
	for _, face := range faces {
		if face.Confidence >= p.tuning.MinDetectionConfidence {
			confident = append(confident, face)
		}
	}
	if len(confident) == 0 {
		return nil, skipNoFace, nil
	}

	var face faceapi.Face
	switch {
	case len(confident) == 1:
		face = confident[0]
	case p.tuning.AmbiguousPolicy == "skip":
		// Group shots are unlabeled; only a lone face is safe to
		// attribute to the identity under this policy.
		return nil, skipAmbiguous, nil
	default:
		face = bestDetection(confident)
	}

	crop, err := imagehash.CropFace(img, face.BBox)
	if err != nil {
		return nil, skipNone, fmt.Errorf("crop %s: %w", asset.Source, err)
	}

	bounds := img.Bounds()
	return &candidate{
		source:  asset.Source,
		hash:    hash,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
		face:    face,
		quality: qualityScore(crop, face.Detection, p.tuning.Quality),
		hashes:  imagehash.ComputeImage(crop),
	}, skipNone, nil
}

// bestDetection picks the most prominent face from a multi-face image:
// largest box area weighted by detector confidence.
func bestDetection(faces []faceapi.Face) faceapi.Face {
	best := faces[0]
	bestScore := detectionProminence(best)
	for _, face := range faces[1:] {
		if s := detectionProminence(face); s > bestScore {
			best, bestScore = face, s
		}
	}
	return best
}

func detectionProminence(face faceapi.Face) float64 {
	w := face.BBox[2] - face.BBox[0]
	h := face.BBox[3] - face.BBox[1]
	return w * h * face.Confidence
}

// isNearDuplicate checks a candidate against already-accepted crops and
// the identity's stored embeddings. The perceptual hashes are the cheap
// prefilter for this run's crops; the embedding distance is the
// decider for everything already stored.
func (p *Pipeline) isNearDuplicate(cand *candidate, accepted []*candidate, existing []*store.FaceEmbedding) bool {
	probe := store.Normalize(cand.face.Embedding)
	for _, other := range accepted {
		if cand.hashes.NearDuplicate(other.hashes, p.dedup.PHashHamming) {
			return true
		}
		if store.CosineDistance(probe, store.Normalize(other.face.Embedding)) < p.dedup.NearDuplicateDistance {
			return true
		}
	}
	for _, emb := range existing {
		if store.CosineDistance(probe, emb.Vector) < p.dedup.NearDuplicateDistance {
			return true
		}
	}
	return false
}

// insert adds the candidate under the per-identity cap, evicting the
// weakest stored embedding when allowed and worthwhile.
func (p *Pipeline) insert(ctx context.Context, identityKey string, cand *candidate, report *Report) (bool, error) {
	if p.tuning.MaxPerIdentity > 0 {
		held := p.store.EmbeddingsFor(identityKey)
		if len(held) >= p.tuning.MaxPerIdentity {
			if !p.tuning.EvictOnCap {
				report.Rejected++
				return false, nil
			}
			weakest := held[0] // EmbeddingsFor sorts ascending by quality
			if weakest.Quality >= cand.quality {
				report.Rejected++
				return false, nil
			}
			if err := p.store.RemoveEmbedding(weakest.ID); err != nil {
				return false, fmt.Errorf("evict embedding %d: %w", weakest.ID, err)
			}
			if p.saver != nil {
				if err := p.saver.DeleteEmbedding(ctx, identityKey, weakest.Asset.ContentHash); err != nil {
					return false, fmt.Errorf("evict stored embedding: %w", err)
				}
			}
			report.Evicted++
		}
	}

	asset := store.AssetRef{
		Source:      cand.source,
		ContentHash: cand.hash,
		Width:       cand.width,
		Height:      cand.height,
	}
	id, err := p.store.Add(identityKey, cand.face.Embedding, asset, cand.face.BBox, cand.face.Confidence, cand.quality)
	if err != nil {
		return false, fmt.Errorf("store embedding from %s: %w", cand.source, err)
	}
	report.Added++

	if p.saver != nil {
		emb := &store.FaceEmbedding{
			ID:          id,
			IdentityKey: identityKey,
			Vector:      store.Normalize(cand.face.Embedding),
			Asset:       asset,
			BBox:        cand.face.BBox,
			DetScore:    cand.face.Confidence,
			Quality:     cand.quality,
		}
		if err := p.saver.SaveEmbedding(ctx, emb); err != nil {
			return false, fmt.Errorf("persist embedding from %s: %w", cand.source, err)
		}
	}
	return true, nil
}
