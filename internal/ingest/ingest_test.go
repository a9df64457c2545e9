package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

const testDim = 8

func testTuning() config.IngestTuning {
	return config.IngestTuning{
		Concurrency:            2,
		MinDetectionConfidence: 0.5,
		AmbiguousPolicy:        "best-detection",
		MaxPerIdentity:         40,
		EvictOnCap:             true,
		Quality: config.QualityWeights{
			Resolution: 0.35, Sharpness: 0.25, Confidence: 0.25, Frontal: 0.15,
		},
	}
}

func testDedup() config.DedupTuning {
	return config.DedupTuning{NearDuplicateDistance: 0.10, PHashHamming: 8}
}

// fakeAnalyzer returns canned faces keyed by the content hash of the
// image bytes it receives.
type fakeAnalyzer struct {
	faces map[string][]faceapi.Face
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, data []byte) ([]faceapi.Face, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[hashOf(data)], nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// testImage produces a decodable JPEG with seed-dependent structure: a
// bright block on a dark background, placed differently per seed, so
// different seeds are far apart in perceptual-hash space.
func testImage(t *testing.T, seed int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 320))
	for x := 0; x < 320; x++ {
		for y := 0; y < 320; y++ {
			img.Set(x, y, color.RGBA{30, 30, 30, 255})
		}
	}
	x0 := (seed * 53) % 220
	y0 := (seed * 97) % 220
	for x := x0; x < x0+90; x++ {
		for y := y0; y < y0+90; y++ {
			img.Set(x, y, color.RGBA{230, 230, 230, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// faceVec builds a unit-ish vector along one axis with a nudge, so
// different axes are far apart in cosine distance.
func faceVec(axis int, nudge float32) []float32 {
	v := make([]float32, testDim)
	v[axis%testDim] = 1
	v[(axis+1)%testDim] = nudge
	return v
}

func goodFace(axis int, nudge float32) faceapi.Face {
	return faceapi.Face{
		Detection: faceapi.Detection{BBox: []float64{20, 20, 280, 280}, Confidence: 0.95},
		Embedding: faceVec(axis, nudge),
	}
}

func newTestPipeline(analyzer FaceAnalyzer, saver Saver) (*Pipeline, *store.Store) {
	st := store.New(store.Options{Dimension: testDim})
	return New(analyzer, st, saver, testTuning(), testDedup()), st
}

func TestRun_DuplicateAssetsCollapse(t *testing.T) {
	imgA := testImage(t, 1)
	imgB := testImage(t, 2)
	imgC := testImage(t, 3)
	imgD := testImage(t, 4)

	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(imgA): {goodFace(0, 0)},
		hashOf(imgB): {goodFace(1, 0)},
		hashOf(imgC): {goodFace(2, 0)},
		hashOf(imgD): {goodFace(3, 0)},
	}}
	p, st := newTestPipeline(analyzer, nil)

	assets := []Asset{
		{Source: "a.jpg", Data: imgA},
		{Source: "b.jpg", Data: imgB},
		{Source: "b-copy.jpg", Data: imgB}, // byte-identical to b.jpg
		{Source: "c.jpg", Data: imgC},
		{Source: "d.jpg", Data: imgD},
	}

	report, err := p.Run(context.Background(), "actor-1", assets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Added != 4 {
		t.Errorf("added = %d, want 4", report.Added)
	}
	if report.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", report.Duplicates)
	}
	if got := st.Stats().Embeddings; got != 4 {
		t.Errorf("store holds %d embeddings, want 4", got)
	}
}

func TestRun_SkipsRerunOfSameAssets(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {goodFace(0, 0)},
	}}
	p, st := newTestPipeline(analyzer, nil)

	assets := []Asset{{Source: "a.jpg", Data: img}}
	if _, err := p.Run(context.Background(), "actor-1", assets); err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background(), "actor-1", assets)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 0 || report.Duplicates != 1 {
		t.Errorf("rerun: added = %d duplicates = %d, want 0/1", report.Added, report.Duplicates)
	}
	if got := st.Stats().Embeddings; got != 1 {
		t.Errorf("store holds %d embeddings, want 1", got)
	}
}

func TestRun_NoFaceCounted(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{}}
	p, _ := newTestPipeline(analyzer, nil)

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.NoFace != 1 || report.Added != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_LowConfidenceCountsAsNoFace(t *testing.T) {
	img := testImage(t, 1)
	weak := goodFace(0, 0)
	weak.Confidence = 0.3
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {weak},
	}}
	p, _ := newTestPipeline(analyzer, nil)

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.NoFace != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_AmbiguousPolicySkip(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {goodFace(0, 0), goodFace(1, 0)},
	}}

	st := store.New(store.Options{Dimension: testDim})
	tuning := testTuning()
	tuning.AmbiguousPolicy = "skip"
	p := New(analyzer, st, nil, tuning, testDedup())

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Ambiguous != 1 || report.Added != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_AmbiguousPolicyBestDetection(t *testing.T) {
	img := testImage(t, 1)
	small := faceapi.Face{
		Detection: faceapi.Detection{BBox: []float64{0, 0, 40, 40}, Confidence: 0.99},
		Embedding: faceVec(0, 0),
	}
	large := faceapi.Face{
		Detection: faceapi.Detection{BBox: []float64{20, 20, 280, 280}, Confidence: 0.9},
		Embedding: faceVec(4, 0),
	}
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {small, large},
	}}
	p, st := newTestPipeline(analyzer, nil)

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 1 {
		t.Fatalf("report = %+v", report)
	}

	// The larger face's embedding should be the one stored.
	embs := st.EmbeddingsFor("actor-1")
	if len(embs) != 1 {
		t.Fatalf("embeddings = %d", len(embs))
	}
	if embs[0].Vector[4] < 0.9 {
		t.Errorf("stored the wrong face: %v", embs[0].Vector)
	}
}

func TestRun_NearDuplicateOfStoredEmbedding(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {goodFace(0, 0.01)}, // nearly identical direction to the seeded vector
	}}
	p, st := newTestPipeline(analyzer, nil)

	// Seed the identity with an embedding pointing the same way.
	_, err := st.Add("actor-1", faceVec(0, 0), store.AssetRef{ContentHash: "seed"}, nil, 0.9, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Duplicates != 1 || report.Added != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_CapEvictsWeakest(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {goodFace(0, 0)},
	}}

	st := store.New(store.Options{Dimension: testDim})
	tuning := testTuning()
	tuning.MaxPerIdentity = 2
	p := New(analyzer, st, nil, tuning, testDedup())

	// Fill the cap with two weak embeddings far from the new face.
	weakID, err := st.Add("actor-1", faceVec(3, 0), store.AssetRef{ContentHash: "w1"}, nil, 0.9, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Add("actor-1", faceVec(5, 0), store.AssetRef{ContentHash: "w2"}, nil, 0.9, 0.02); err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 1 || report.Evicted != 1 {
		t.Fatalf("report = %+v", report)
	}

	embs := st.EmbeddingsFor("actor-1")
	if len(embs) != 2 {
		t.Fatalf("identity holds %d embeddings, want 2", len(embs))
	}
	for _, emb := range embs {
		if emb.ID == weakID {
			t.Error("weakest embedding survived eviction")
		}
	}
}

func TestRun_CapRejectsWithoutEviction(t *testing.T) {
	img := testImage(t, 1)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(img): {goodFace(0, 0)},
	}}

	st := store.New(store.Options{Dimension: testDim})
	tuning := testTuning()
	tuning.MaxPerIdentity = 1
	tuning.EvictOnCap = false
	p := New(analyzer, st, nil, tuning, testDedup())

	if _, err := st.Add("actor-1", faceVec(3, 0), store.AssetRef{ContentHash: "w1"}, nil, 0.9, 0.01); err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background(), "actor-1", []Asset{{Source: "a.jpg", Data: img}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Rejected != 1 || report.Added != 0 || report.Evicted != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_AnalyzerFailureDoesNotStopRun(t *testing.T) {
	imgA := testImage(t, 1)
	imgB := []byte("not an image") // decode fails before the analyzer runs

	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(imgA): {goodFace(0, 0)},
	}}
	p, _ := newTestPipeline(analyzer, nil)

	report, err := p.Run(context.Background(), "actor-1", []Asset{
		{Source: "bad.jpg", Data: imgB},
		{Source: "good.jpg", Data: imgA},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Added != 1 {
		t.Errorf("added = %d, want 1", report.Added)
	}
	if len(report.Failures) != 1 || report.Failures[0].Source != "bad.jpg" {
		t.Errorf("failures = %+v", report.Failures)
	}
}

// failingSaver accepts the first save, then fails.
type failingSaver struct {
	saves int
}

func (f *failingSaver) SaveEmbedding(context.Context, *store.FaceEmbedding) error {
	f.saves++
	if f.saves > 1 {
		return errors.New("connection lost")
	}
	return nil
}

func (f *failingSaver) DeleteEmbedding(context.Context, string, string) error { return nil }

func TestRun_SaverFailureAborts(t *testing.T) {
	imgA := testImage(t, 1)
	imgB := testImage(t, 2)
	analyzer := &fakeAnalyzer{faces: map[string][]faceapi.Face{
		hashOf(imgA): {goodFace(0, 0)},
		hashOf(imgB): {goodFace(2, 0)},
	}}
	saver := &failingSaver{}
	p, _ := newTestPipeline(analyzer, saver)

	report, err := p.Run(context.Background(), "actor-1", []Asset{
		{Source: "a.jpg", Data: imgA},
		{Source: "b.jpg", Data: imgB},
	})
	if err == nil {
		t.Fatal("expected error from failing saver")
	}
	if report.Added != 2 {
		// Both store writes went through; the second durable write failed.
		t.Errorf("added = %d, want 2", report.Added)
	}
	if saver.saves != 2 {
		t.Errorf("saves = %d, want 2", saver.saves)
	}
}

func TestRun_RequiresIdentityKey(t *testing.T) {
	p, _ := newTestPipeline(&fakeAnalyzer{}, nil)
	if _, err := p.Run(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty identity key")
	}
}

func TestQualityScore_PrefersLargeFrontalFaces(t *testing.T) {
	w := testTuning().Quality
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))

	big := faceapi.Detection{BBox: []float64{0, 0, 256, 256}, Confidence: 0.95}
	small := faceapi.Detection{BBox: []float64{0, 0, 40, 40}, Confidence: 0.95}
	turned := faceapi.Detection{BBox: []float64{0, 0, 256, 256}, Confidence: 0.95, Pose: faceapi.Pose{Yaw: 80}}

	bigScore := qualityScore(img, big, w)
	if smallScore := qualityScore(img, small, w); smallScore >= bigScore {
		t.Errorf("small face %.3f should score below large face %.3f", smallScore, bigScore)
	}
	if turnedScore := qualityScore(img, turned, w); turnedScore >= bigScore {
		t.Errorf("turned face %.3f should score below frontal face %.3f", turnedScore, bigScore)
	}
}
