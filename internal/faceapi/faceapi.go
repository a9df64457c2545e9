package faceapi

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
)

// Client talks to the face analysis service. The service detects faces
// in an image and produces one L2-normalizable embedding per face.
type Client struct {
	Url       string
	parsedURL *url.URL
	dim       int
}

// Pose holds head orientation angles in degrees as reported by the detector.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Detection is a single detected face without its embedding.
type Detection struct {
	BBox       []float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
	Confidence float64   `json:"confidence"`
	Pose       Pose      `json:"pose"`
}

// Face is a detection together with its embedding vector.
type Face struct {
	Detection
	Embedding []float32 `json:"embedding"`
}

// NewClient creates a face service client. The configured dimension is
// enforced on every embedding the service returns.
func NewClient(cfg *config.FaceAPIConfig) (*Client, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid face service URL: %w", err)
	}
	return &Client{Url: cfg.URL, parsedURL: parsed, dim: cfg.Dim}, nil
}

// Dimension returns the embedding dimension the client enforces.
func (c *Client) Dimension() int {
	return c.dim
}

// resolveURL builds a full URL from the base service URL and the given
// path segments. A query string on the last segment is split so JoinPath
// only receives the path portion.
func (c *Client) resolveURL(pathSegments ...string) string {
	if len(pathSegments) == 0 {
		return c.parsedURL.String()
	}
	last := pathSegments[len(pathSegments)-1]
	if pathPart, query, ok := strings.Cut(last, "?"); ok {
		pathSegments[len(pathSegments)-1] = pathPart
		result := c.parsedURL.JoinPath(pathSegments...)
		result.RawQuery = query
		return result.String()
	}
	return c.parsedURL.JoinPath(pathSegments...).String()
}

// IsNotFoundError returns true if the error indicates a 404 Not Found response.
func IsNotFoundError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status 404")
}
