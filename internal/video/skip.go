package video

import (
	"time"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
)

// SkipPolicy decides how many frames to step over between processed
// frames. A skip of N means one frame in N goes through detection; the
// rest are carried to the output with held annotations.
type SkipPolicy struct {
	threshold       time.Duration
	baseSkip        int
	skipPerHalfHour int
	maxSkip         int
	strategy        string
}

// NewSkipPolicy builds the policy from tuning. Unset fields fall back
// to sampling every other frame for long videos.
func NewSkipPolicy(t *config.VideoTuning) SkipPolicy {
	p := SkipPolicy{
		threshold:       time.Duration(t.AutoDetectThresholdMinutes * float64(time.Minute)),
		baseSkip:        t.BaseSkip,
		skipPerHalfHour: t.SkipPerHalfHour,
		maxSkip:         t.MaxSkip,
		strategy:        t.SkipStrategy,
	}
	if p.baseSkip < 1 {
		p.baseSkip = 2
	}
	if p.maxSkip < p.baseSkip {
		p.maxSkip = p.baseSkip
	}
	return p
}

// SkipFor returns the frame step for a clip of the given duration.
// Short clips process every frame. Past the long-video threshold the
// step starts at baseSkip and grows per extra half hour, so a feature
// film samples sparsely while a trailer keeps full coverage. The step
// never decreases as duration grows.
// MaxSkip is the hard ceiling any skip escalation may reach.
func (p SkipPolicy) MaxSkip() int { return p.maxSkip }

func (p SkipPolicy) SkipFor(duration time.Duration) int {
	if p.strategy == "fixed" {
		return p.baseSkip
	}
	if duration <= 0 || duration < p.threshold {
		return 1
	}
	extra := int((duration - p.threshold) / (30 * time.Minute))
	skip := p.baseSkip + extra*p.skipPerHalfHour
	if skip > p.maxSkip {
		skip = p.maxSkip
	}
	return skip
}
