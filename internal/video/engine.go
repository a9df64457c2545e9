package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/imagehash"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/palette"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

// FaceAnalyzer detects faces and computes their embeddings.
type FaceAnalyzer interface {
	Analyze(ctx context.Context, image []byte) ([]faceapi.Face, error)
}

// State is the lifecycle of one processing run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Phase names what the engine did with the frame a progress snapshot
// reports on.
type Phase string

const (
	// PhaseSampling covers frames carried to the output with held
	// annotations, outside the sampling step.
	PhaseSampling Phase = "sampling"
	// PhaseRecognizing covers frames that went through detection and
	// identity lookup.
	PhaseRecognizing Phase = "recognizing"
)

// Progress is a rate-limited snapshot emitted while a run is active.
// TotalEstimate is derived from the source's duration and frame rate
// and is zero when either is unknown.
type Progress struct {
	FramesRead      int
	FramesProcessed int
	TotalEstimate   int
	Elapsed         time.Duration
	Timestamp       time.Duration
	Phase           Phase
}

// Result summarizes one finished run. On failure, LastGoodFrame is the
// index of the last frame that reached the output.
type Result struct {
	State           State
	Skip            int
	FramesRead      int
	FramesProcessed int
	FacesDetected   int
	Recognized      map[resolve.Tier]int
	LastGoodFrame   int
}

// Engine runs recognition over a frame stream: sample frames by the
// skip policy, detect and resolve faces concurrently, and emit
// annotated frames in input order.
type Engine struct {
	analyzer   FaceAnalyzer
	store      *store.Store
	styles     *palette.Manager
	thresholds resolve.Thresholds
	tuning     config.VideoTuning

	mu    sync.Mutex
	state State

	// OnProgress, when set, receives rate-limited progress snapshots.
	OnProgress func(Progress)
}

// NewEngine creates an idle engine. styles may be nil; labels then use
// the default box style.
func NewEngine(analyzer FaceAnalyzer, st *store.Store, styles *palette.Manager, th resolve.Thresholds, tuning config.VideoTuning) *Engine {
	return &Engine{
		analyzer:   analyzer,
		store:      st,
		styles:     styles,
		thresholds: th,
		tuning:     tuning,
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// job carries one frame through the pipeline. done is closed once the
// worker stage has filled in the recognition fields; frames outside
// the sampling step skip the worker stage entirely.
type job struct {
	frame     *Frame
	process   bool
	decisions []resolve.Decision
	boxes     [][]float64
	err       error
	done      chan struct{}
}

// Process runs the full pipeline over one stream. Cancellation via ctx
// stops at a frame boundary and reports StateCancelled with no error;
// any stage failure reports StateFailed and the error.
func (e *Engine) Process(ctx context.Context, src FrameSource, sink FrameSink, title string, scope store.Scope) (*Result, error) {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return nil, errors.New("engine is already running")
	}
	e.state = StateRunning
	e.mu.Unlock()

	policy := NewSkipPolicy(&e.tuning)
	result := &Result{
		Skip:          policy.SkipFor(src.Duration()),
		Recognized:    make(map[resolve.Tier]int),
		LastGoodFrame: -1,
	}

	start := time.Now()
	totalEstimate := 0
	if d, fps := src.Duration(), src.FPS(); d > 0 && fps > 0 {
		totalEstimate = int(math.Round(d.Seconds() * fps))
	}

	first, err := src.Next()
	if err == io.EOF {
		e.setState(StateCompleted)
		result.State = StateCompleted
		return result, nil
	}
	if err != nil {
		e.setState(StateFailed)
		result.State = StateFailed
		return result, fmt.Errorf("read first frame: %w", err)
	}

	governor := newMemoryGovernor(e.tuning.MemoryBudgetMB, e.tuning.MaxMemoryFraction, e.tuning.QueueDepth)
	depth := governor.depthFor(first.Image.Bounds())

	ordered := make(chan *job, depth)
	work := make(chan *job, depth)

	g, gctx := errgroup.WithContext(ctx)

	// Sampler: reads frames in order and fans processed ones out to the
	// workers. The ordered channel's buffer is the backpressure: the
	// sampler stalls when the emitter falls behind. Under memory
	// pressure the effective skip rises toward the policy cap, shedding
	// coverage instead of buffer space.
	g.Go(func() error {
		defer close(ordered)
		defer close(work)

		skip := result.Skip
		nextProcess := first.Index
		frame := first
		for {
			governor.acquire(frame.Image.Bounds())
			if governor.pressured() && skip < policy.MaxSkip() {
				skip++
			}

			j := &job{
				frame:   frame,
				process: frame.Index >= nextProcess,
				done:    make(chan struct{}),
			}
			if j.process {
				nextProcess = frame.Index + skip
			} else {
				close(j.done)
			}

			select {
			case ordered <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
			if j.process {
				select {
				case work <- j:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			frame, err = src.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
		}
	})

	// Workers: recognition is the slow stage, so it gets the
	// parallelism. Results land on the job; order is restored by the
	// emitter.
	workers := runtime.GOMAXPROCS(0)
	if workers > depth {
		workers = depth
	}
	for range workers {
		g.Go(func() error {
			for j := range work {
				err := e.recognize(gctx, j, title, scope)
				j.err = err
				close(j.done)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Emitter: single goroutine, strict input order.
	g.Go(func() error {
		holds := newHoldSet(time.Duration(e.tuning.HoldTimeoutSeconds * float64(time.Second)))
		annotator := NewAnnotator(e.styles, title, &e.tuning.Annotation)
		progress := newProgressLimiter(e.tuning.ProgressEveryFrames, e.tuning.ProgressEverySeconds)

		for j := range ordered {
			select {
			case <-j.done:
			case <-gctx.Done():
				return gctx.Err()
			}
			if j.err != nil {
				return j.err
			}

			result.FramesRead++
			if j.process {
				result.FramesProcessed++
				result.FacesDetected += len(j.boxes)
				for _, d := range j.decisions {
					result.Recognized[d.Tier]++
				}
				holds.update(j.frame.Timestamp, j.decisions, j.boxes)
			}

			faces := holds.active(j.frame.Timestamp)
			if j.process {
				// Unknown faces are drawn on the frame they were seen
				// but never held across frames.
				for i, d := range j.decisions {
					if d.Identity == nil {
						faces = append(faces, heldFace{decision: d, bbox: j.boxes[i], lastSeen: j.frame.Timestamp})
					}
				}
			}
			annotated := annotator.Annotate(j.frame.Image, faces)
			out := &Frame{Index: j.frame.Index, Timestamp: j.frame.Timestamp, Image: annotated}
			if err := sink.Write(out); err != nil {
				return fmt.Errorf("write frame %d: %w", j.frame.Index, err)
			}
			governor.release(j.frame.Image.Bounds())
			result.LastGoodFrame = j.frame.Index

			if e.OnProgress != nil && progress.ready(result.FramesRead) {
				phase := PhaseSampling
				if j.process {
					phase = PhaseRecognizing
				}
				e.OnProgress(Progress{
					FramesRead:      result.FramesRead,
					FramesProcessed: result.FramesProcessed,
					TotalEstimate:   totalEstimate,
					Elapsed:         time.Since(start),
					Timestamp:       j.frame.Timestamp,
					Phase:           phase,
				})
			}
		}
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil:
		e.setState(StateCompleted)
		result.State = StateCompleted
		return result, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		e.setState(StateCancelled)
		result.State = StateCancelled
		return result, nil
	default:
		e.setState(StateFailed)
		result.State = StateFailed
		return result, err
	}
}

// recognize runs detection and identity resolution for one frame.
func (e *Engine) recognize(ctx context.Context, j *job, title string, scope store.Scope) error {
	data, err := imagehash.EncodeJPEG(j.frame.Image)
	if err != nil {
		return fmt.Errorf("frame %d: %w", j.frame.Index, err)
	}
	faces, err := e.analyzer.Analyze(ctx, data)
	if err != nil {
		return fmt.Errorf("frame %d: %w", j.frame.Index, err)
	}

	for _, face := range faces {
		hits, err := e.store.Query(face.Embedding, 5, scope)
		if err != nil {
			return fmt.Errorf("frame %d: %w", j.frame.Index, err)
		}
		d := resolve.Resolve(hits, title, e.thresholds)
		j.decisions = append(j.decisions, d)
		j.boxes = append(j.boxes, face.BBox)
	}
	return nil
}

// progressLimiter rate-limits progress callbacks to every N frames or
// every T wall seconds, whichever comes first.
type progressLimiter struct {
	everyFrames int
	every       time.Duration
	lastFrame   int
	lastAt      time.Time
}

func newProgressLimiter(everyFrames int, everySeconds float64) *progressLimiter {
	if everyFrames <= 0 {
		everyFrames = 24
	}
	if everySeconds <= 0 {
		everySeconds = 2
	}
	return &progressLimiter{
		everyFrames: everyFrames,
		every:       time.Duration(everySeconds * float64(time.Second)),
		lastAt:      time.Now(),
	}
}

func (p *progressLimiter) ready(frame int) bool {
	now := time.Now()
	if frame-p.lastFrame >= p.everyFrames || now.Sub(p.lastAt) >= p.every {
		p.lastFrame = frame
		p.lastAt = now
		return true
	}
	return false
}
