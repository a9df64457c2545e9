package store

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW parameters for 512-dim face embeddings.
const (
	// hnswMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	hnswMaxNeighbors = 16

	// hnswSearchFloor is the minimum candidate pool requested from the
	// graph so that post-filtering still has material to work with.
	hnswSearchFloor = 32
)

// annIndex wraps the HNSW graph over stored embedding vectors. Keys are
// embedding IDs. The graph itself is not goroutine safe, so all access
// goes through the mutex; the Store swaps whole annIndex values
// atomically during compaction.
type annIndex struct {
	graph *hnsw.Graph[int64]
	saved *hnsw.SavedGraph[int64] // set when loaded from disk
	size  int
	mu    sync.RWMutex
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

func newANNIndex() *annIndex {
	return &annIndex{}
}

// buildANNIndex creates an index over the given embeddings.
func buildANNIndex(embeddings []*FaceEmbedding) *annIndex {
	ix := newANNIndex()
	if len(embeddings) == 0 {
		return ix
	}
	g := newGraph()
	for _, emb := range embeddings {
		if len(emb.Vector) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(emb.ID, emb.Vector))
		ix.size++
	}
	ix.graph = g
	return ix
}

// add inserts a single vector. This is the additive fast path; deletes
// go through a full rebuild in the Store.
func (ix *annIndex) add(id int64, vec []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	switch {
	case ix.saved != nil:
		// SavedGraph embeds *Graph, so Add works on it directly.
		ix.saved.Add(hnsw.MakeNode(id, vec))
	case ix.graph == nil:
		ix.graph = newGraph()
		fallthrough
	default:
		ix.graph.Add(hnsw.MakeNode(id, vec))
	}
	ix.size++
}

// search returns up to k nearest node keys with distances computed from
// the node vectors (exact cosine, not the graph's internal estimate).
func (ix *annIndex) search(query []float32, k int) ([]int64, []float64) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil && ix.saved == nil {
		return nil, nil
	}
	if k < hnswSearchFloor {
		k = hnswSearchFloor
	}

	var neighbors []hnsw.Node[int64]
	if ix.saved != nil {
		neighbors = ix.saved.Search(query, k)
	} else {
		neighbors = ix.graph.Search(query, k)
	}

	ids := make([]int64, 0, len(neighbors))
	distances := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		if len(n.Value) == 0 {
			continue
		}
		ids = append(ids, n.Key)
		distances = append(distances, CosineDistance(query, n.Value))
	}
	return ids, distances
}

func (ix *annIndex) count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.size
}

// graphLen reports the number of nodes actually held by the graph,
// as opposed to the size the metadata claims.
func (ix *annIndex) graphLen() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	switch {
	case ix.saved != nil:
		return ix.saved.Len()
	case ix.graph != nil:
		return ix.graph.Len()
	default:
		return 0
	}
}

// export writes the graph to a file.
func (ix *annIndex) export(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.graph == nil && ix.saved == nil {
		// Empty index: an absent file is the canonical empty snapshot.
		_ = os.Remove(path)
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()

	if ix.saved != nil {
		if err := ix.saved.Export(f); err != nil {
			return fmt.Errorf("export loaded graph: %w", err)
		}
		return nil
	}
	if err := ix.graph.Export(f); err != nil {
		return fmt.Errorf("export graph: %w", err)
	}
	return nil
}

// loadANNIndex reads a previously exported graph. A missing file yields
// an empty index, matching export's treatment of empty stores.
func loadANNIndex(path string, size int) (*annIndex, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if size != 0 {
			return nil, fmt.Errorf("%w: index file missing but metadata lists %d embeddings", ErrCorruptIndex, size)
		}
		return newANNIndex(), nil
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	return &annIndex{saved: saved, size: size}, nil
}
