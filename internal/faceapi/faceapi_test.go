package faceapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc, dim int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(&config.FaceAPIConfig{URL: srv.URL, Dim: dim})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestAnalyze(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %q", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"faces": [
				{
					"bbox": [10, 20, 110, 140],
					"confidence": 0.97,
					"pose": {"yaw": -4.2, "pitch": 1.1, "roll": 0.3},
					"embedding": [0.5, 0.5, 0.5, 0.5]
				}
			]
		}`))
	}, 4)

	faces, err := c.Analyze(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	if faces[0].Confidence != 0.97 {
		t.Errorf("confidence = %v, want 0.97", faces[0].Confidence)
	}
	if faces[0].Pose.Yaw != -4.2 {
		t.Errorf("yaw = %v, want -4.2", faces[0].Pose.Yaw)
	}
	if len(faces[0].Embedding) != 4 {
		t.Errorf("embedding length = %d, want 4", len(faces[0].Embedding))
	}
}

func TestAnalyze_NoFaces(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces": []}`))
	}, 4)

	faces, err := c.Analyze(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestAnalyze_DimensionMismatch(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces": [{"bbox": [0,0,1,1], "confidence": 0.9, "embedding": [0.1, 0.2]}]}`))
	}, 4)

	if _, err := c.Analyze(context.Background(), []byte("jpeg-bytes")); err == nil {
		t.Error("expected error for wrong embedding dimension")
	}
}

func TestAnalyze_BadBBox(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces": [{"bbox": [0,0,1], "confidence": 0.9, "embedding": [0.1, 0.2, 0.3, 0.4]}]}`))
	}, 4)

	if _, err := c.Analyze(context.Background(), []byte("jpeg-bytes")); err == nil {
		t.Error("expected error for malformed bounding box")
	}
}

func TestAnalyze_ServerError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}, 4)

	if _, err := c.Analyze(context.Background(), []byte("jpeg-bytes")); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestDetectFaces(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"faces": [{"bbox": [5, 5, 50, 60], "confidence": 0.88}, {"bbox": [100, 5, 150, 60], "confidence": 0.72}]}`))
	}, 4)

	dets, err := c.DetectFaces(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("DetectFaces: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[1].Confidence != 0.72 {
		t.Errorf("confidence = %v, want 0.72", dets[1].Confidence)
	}
}

func TestIsNotFoundError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}, 4)

	_, err := c.Analyze(context.Background(), []byte("jpeg-bytes"))
	if !IsNotFoundError(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}
