package faceapi

import (
	"context"
	"fmt"
)

type analyzeResponse struct {
	Faces []Face `json:"faces"`
}

type detectResponse struct {
	Faces []Detection `json:"faces"`
}

// Analyze detects every face in the image and returns each with its
// embedding. Embeddings with the wrong dimension are rejected outright;
// a truncated vector here would silently poison the index.
func (c *Client) Analyze(ctx context.Context, image []byte) ([]Face, error) {
	resp, err := doPostImage[analyzeResponse](ctx, c, "analyze", image)
	if err != nil {
		return nil, fmt.Errorf("analyze image: %w", err)
	}

	for i, face := range resp.Faces {
		if len(face.Embedding) != c.dim {
			return nil, fmt.Errorf("face %d: embedding dimension %d, want %d", i, len(face.Embedding), c.dim)
		}
		if len(face.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bounding box has %d coordinates, want 4", i, len(face.BBox))
		}
	}
	return resp.Faces, nil
}

// DetectFaces returns face locations without computing embeddings.
// Cheaper than Analyze when only presence or counts matter.
func (c *Client) DetectFaces(ctx context.Context, image []byte) ([]Detection, error) {
	resp, err := doPostImage[detectResponse](ctx, c, "detect", image)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	for i, det := range resp.Faces {
		if len(det.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bounding box has %d coordinates, want 4", i, len(det.BBox))
		}
	}
	return resp.Faces, nil
}
