package video

import (
	"sort"
	"time"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
)

// heldFace is a recognized face carried forward onto frames that were
// skipped or where the face briefly dropped out of detection.
type heldFace struct {
	decision resolve.Decision
	bbox     []float64
	lastSeen time.Duration
}

// holdSet smooths annotations over time. Detection runs on a fraction
// of frames; between runs, each recognized identity keeps its last box
// and label until the hold times out.
type holdSet struct {
	timeout time.Duration
	faces   map[string]heldFace
}

func newHoldSet(timeout time.Duration) *holdSet {
	return &holdSet{timeout: timeout, faces: make(map[string]heldFace)}
}

// update records the decisions of a processed frame. Unknown faces are
// not held; an unknown box jumping between frames reads as noise.
func (h *holdSet) update(at time.Duration, decisions []resolve.Decision, boxes [][]float64) {
	for i, d := range decisions {
		if d.Identity == nil {
			continue
		}
		h.faces[d.Identity.Key] = heldFace{decision: d, bbox: boxes[i], lastSeen: at}
	}
}

// active returns the faces still within the hold window at the given
// timestamp, expired entries pruned, ordered by identity key so
// repeated renders are stable.
func (h *holdSet) active(at time.Duration) []heldFace {
	out := make([]heldFace, 0, len(h.faces))
	for key, f := range h.faces {
		if at-f.lastSeen > h.timeout {
			delete(h.faces, key)
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].decision.Identity.Key < out[j].decision.Identity.Key
	})
	return out
}
