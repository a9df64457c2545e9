package video

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

const testDim = 8

func testThresholds() resolve.Thresholds {
	return resolve.Thresholds{Accept: 0.5, High: 0.15, Medium: 0.30, TieEpsilon: 0.001}
}

// frameAnalyzer returns the same canned faces for every frame it sees,
// and can be told to fail after a number of calls.
type frameAnalyzer struct {
	faces []faceapi.Face

	mu        sync.Mutex
	calls     int
	failAfter int // 0 means never fail
}

func (f *frameAnalyzer) Analyze(context.Context, []byte) ([]faceapi.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return nil, errors.New("detector crashed")
	}
	return f.faces, nil
}

// collectSink keeps every written frame for inspection.
type collectSink struct {
	mu     sync.Mutex
	frames []*Frame
	closed bool

	failOnWrite int // frame index to fail at, -1 disables
}

func newCollectSink() *collectSink { return &collectSink{failOnWrite: -1} }

func (s *collectSink) Write(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnWrite >= 0 && f.Index == s.failOnWrite {
		return errors.New("disk full")
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func vec(axis int) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	return v
}

func testFrames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 160, 120))
		for x := 0; x < 160; x++ {
			for y := 0; y < 120; y++ {
				img.Set(x, y, color.RGBA{uint8(i * 10), 60, 60, 255})
			}
		}
		out[i] = img
	}
	return out
}

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.Options{Dimension: testDim})
	st.UpsertIdentity("actor-1", "Tim Robbins", "The Shawshank Redemption", "Andy Dufresne", "")
	if _, err := st.Add("actor-1", vec(0), store.AssetRef{ContentHash: "h1"}, nil, 0.9, 0.8); err != nil {
		t.Fatal(err)
	}
	st.UpsertIdentity("actor-2", "Morgan Freeman", "The Shawshank Redemption", "Red", "")
	if _, err := st.Add("actor-2", vec(2), store.AssetRef{ContentHash: "h2"}, nil, 0.9, 0.8); err != nil {
		t.Fatal(err)
	}
	return st
}

func knownFace(axis int) faceapi.Face {
	return faceapi.Face{
		Detection: faceapi.Detection{BBox: []float64{20, 20, 90, 100}, Confidence: 0.95},
		Embedding: vec(axis),
	}
}

func TestProcess_RecognizesAndCompletes(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	src := NewImageSource(testFrames(10), 24)
	sink := newCollectSink()

	result, err := e.Process(context.Background(), src, sink, "The Shawshank Redemption", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.State != StateCompleted || e.State() != StateCompleted {
		t.Errorf("state = %s / %s, want completed", result.State, e.State())
	}
	if result.FramesRead != 10 {
		t.Errorf("frames read = %d, want 10", result.FramesRead)
	}
	// A 10-frame clip is far below the long-video threshold.
	if result.Skip != 1 || result.FramesProcessed != 10 {
		t.Errorf("skip = %d processed = %d, want 1/10", result.Skip, result.FramesProcessed)
	}
	if result.FacesDetected != 10 {
		t.Errorf("faces detected = %d, want 10", result.FacesDetected)
	}
	if result.Recognized[resolve.TierHigh] != 10 {
		t.Errorf("high-tier recognitions = %d, want 10", result.Recognized[resolve.TierHigh])
	}
	if len(sink.frames) != 10 {
		t.Fatalf("sink got %d frames, want 10", len(sink.frames))
	}
}

func TestProcess_EmitsFramesInOrder(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	src := NewImageSource(testFrames(40), 24)
	sink := newCollectSink()

	if _, err := e.Process(context.Background(), src, sink, "", nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i, f := range sink.frames {
		if f.Index != i {
			t.Fatalf("frame %d emitted at position %d", f.Index, i)
		}
	}
}

func TestProcess_AnnotatesOutputFrames(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	frames := testFrames(1)
	sink := newCollectSink()

	if _, err := e.Process(context.Background(), NewImageSource(frames, 24), sink, "", nil); err != nil {
		t.Fatal(err)
	}

	// The box stroke must have changed pixels along the bbox top edge.
	orig := frames[0].(*image.RGBA)
	got := sink.frames[0].Image.(*image.RGBA)
	if orig.At(25, 20) == got.At(25, 20) {
		t.Error("annotated frame is identical to the input at the box edge")
	}
	// Far corner outside any box stays untouched.
	if orig.At(155, 115) != got.At(155, 115) {
		t.Error("pixels outside the box were modified")
	}
}

func TestProcess_ScopeFiltersIdentities(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	sink := newCollectSink()

	// Scope excludes actor-1, whose embedding matches the probe.
	scope := store.NewScope("actor-2")
	result, err := e.Process(context.Background(), NewImageSource(testFrames(3), 24), sink, "", scope)
	if err != nil {
		t.Fatal(err)
	}
	if result.Recognized[resolve.TierUnknown] != 3 {
		t.Errorf("recognized = %v, want 3 unknown", result.Recognized)
	}
}

func TestProcess_CancellationIsNotFailure(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	sink := newCollectSink()

	result, err := e.Process(ctx, NewImageSource(testFrames(100), 24), sink, "", nil)
	if err != nil {
		t.Fatalf("cancellation should not return an error, got %v", err)
	}
	if result.State != StateCancelled || e.State() != StateCancelled {
		t.Errorf("state = %s / %s, want cancelled", result.State, e.State())
	}
}

func TestProcess_AnalyzerFailureFails(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}, failAfter: 3}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	sink := newCollectSink()

	result, err := e.Process(context.Background(), NewImageSource(testFrames(50), 24), sink, "", nil)
	if err == nil {
		t.Fatal("expected error from failing analyzer")
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want failed", result.State)
	}
	if result.LastGoodFrame >= 50 {
		t.Errorf("last good frame = %d out of range", result.LastGoodFrame)
	}
}

func TestProcess_SinkFailureReportsLastGoodFrame(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	sink := newCollectSink()
	sink.failOnWrite = 5

	result, err := e.Process(context.Background(), NewImageSource(testFrames(20), 24), sink, "", nil)
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want failed", result.State)
	}
	if result.LastGoodFrame != 4 {
		t.Errorf("last good frame = %d, want 4", result.LastGoodFrame)
	}
}

func TestProcess_ProgressReportsEstimate(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	var events []Progress
	e.OnProgress = func(p Progress) { events = append(events, p) }

	// 40 frames at 24 fps: the source duration pins the estimate.
	if _, err := e.Process(context.Background(), NewImageSource(testFrames(40), 24), newCollectSink(), "", nil); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}
	for _, p := range events {
		if p.TotalEstimate != 40 {
			t.Errorf("total estimate = %d, want 40", p.TotalEstimate)
		}
		if p.Elapsed <= 0 {
			t.Errorf("elapsed = %v, want positive", p.Elapsed)
		}
		if p.Phase != PhaseSampling && p.Phase != PhaseRecognizing {
			t.Errorf("phase = %q", p.Phase)
		}
		if p.FramesRead > 40 || p.FramesProcessed > p.FramesRead {
			t.Errorf("counters out of range: %+v", p)
		}
	}
}

func TestProcess_MemoryPressureRaisesSkip(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)

	loose := testVideoTuning()
	e := NewEngine(analyzer, st, nil, testThresholds(), loose)
	full, err := e.Process(context.Background(), NewImageSource(testFrames(60), 24), newCollectSink(), "", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if full.FramesProcessed != 60 {
		t.Fatalf("unpressured run processed %d of 60 frames", full.FramesProcessed)
	}

	// A budget smaller than one 160x120 frame keeps the governor
	// pressured for the whole run, so the sampler sheds coverage.
	tight := testVideoTuning()
	tight.MemoryBudgetMB = 1
	tight.MaxMemoryFraction = 0.01
	e2 := NewEngine(analyzer, st, nil, testThresholds(), tight)
	sink := newCollectSink()
	capped, err := e2.Process(context.Background(), NewImageSource(testFrames(60), 24), sink, "", nil)
	if err != nil {
		t.Fatalf("Process under pressure: %v", err)
	}
	if capped.FramesProcessed < 1 || capped.FramesProcessed >= full.FramesProcessed {
		t.Errorf("pressured run processed %d frames, want fewer than %d", capped.FramesProcessed, full.FramesProcessed)
	}
	// Every frame still reaches the output; only detection coverage drops.
	if capped.FramesRead != 60 || len(sink.frames) != 60 {
		t.Errorf("frames read = %d, emitted = %d, want 60/60", capped.FramesRead, len(sink.frames))
	}
}

func TestProcess_ResumeDoesNotReEmit(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)
	frames := testFrames(12)

	first := newCollectSink()
	first.failOnWrite = 5
	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	result, err := e.Process(context.Background(), NewImageSource(frames, 24), first, "", nil)
	if err == nil {
		t.Fatal("expected the first run to fail at frame 5")
	}
	if result.LastGoodFrame != 4 {
		t.Fatalf("last good frame = %d, want 4", result.LastGoodFrame)
	}

	second := newCollectSink()
	src := NewResumeSource(NewImageSource(frames, 24), result.LastGoodFrame+1)
	e2 := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	if _, err := e2.Process(context.Background(), src, second, "", nil); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	seen := make(map[int]int)
	for _, f := range append(first.frames, second.frames...) {
		seen[f.Index]++
	}
	for i := 0; i < 12; i++ {
		if seen[i] != 1 {
			t.Errorf("frame %d emitted %d times across both runs, want exactly once", i, seen[i])
		}
	}
}

func TestProcess_EmptySource(t *testing.T) {
	analyzer := &frameAnalyzer{}
	st := seededStore(t)

	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())
	sink := newCollectSink()

	result, err := e.Process(context.Background(), NewImageSource(nil, 24), sink, "", nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.State != StateCompleted || result.FramesRead != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestProcess_RejectsConcurrentRuns(t *testing.T) {
	analyzer := &frameAnalyzer{faces: []faceapi.Face{knownFace(0)}}
	st := seededStore(t)
	e := NewEngine(analyzer, st, nil, testThresholds(), testVideoTuning())

	e.setState(StateRunning)
	if _, err := e.Process(context.Background(), NewImageSource(testFrames(1), 24), newCollectSink(), "", nil); err == nil {
		t.Error("expected error while another run is active")
	}
}

func TestHoldSet_CarriesAndExpires(t *testing.T) {
	h := newHoldSet(2 * time.Second)
	rec := &store.IdentityRecord{Key: "a", DisplayName: "A"}
	d := resolve.Decision{Identity: rec, Label: "A", Tier: resolve.TierHigh}

	h.update(0, []resolve.Decision{d}, [][]float64{{1, 2, 3, 4}})

	if got := h.active(1 * time.Second); len(got) != 1 {
		t.Fatalf("active after 1s = %d, want 1", len(got))
	}
	if got := h.active(3 * time.Second); len(got) != 0 {
		t.Errorf("active after 3s = %d, want 0 (expired)", len(got))
	}
}

func TestHoldSet_UnknownNotHeld(t *testing.T) {
	h := newHoldSet(2 * time.Second)
	h.update(0, []resolve.Decision{{Label: "Unknown", Tier: resolve.TierUnknown}}, [][]float64{{1, 2, 3, 4}})

	if got := h.active(0); len(got) != 0 {
		t.Errorf("unknown face was held: %d", len(got))
	}
}

func TestHoldSet_LatestSightingWins(t *testing.T) {
	h := newHoldSet(10 * time.Second)
	rec := &store.IdentityRecord{Key: "a"}

	h.update(0, []resolve.Decision{{Identity: rec, Label: "A"}}, [][]float64{{0, 0, 10, 10}})
	h.update(time.Second, []resolve.Decision{{Identity: rec, Label: "A"}}, [][]float64{{50, 50, 60, 60}})

	got := h.active(time.Second)
	if len(got) != 1 || got[0].bbox[0] != 50 {
		t.Errorf("hold did not move with the face: %+v", got)
	}
}
