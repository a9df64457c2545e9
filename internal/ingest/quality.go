package ingest

import (
	"image"
	"math"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/faceapi"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/imagehash"
)

// referenceFaceSide is the face crop side length that earns a full
// resolution score. Crops larger than this do not score extra.
const referenceFaceSide = 256.0

// qualityScore grades one face crop into [0, 1]. The weights come from
// configuration and sum to 1; each component is itself clamped to
// [0, 1] so no single factor can dominate past its weight.
func qualityScore(crop image.Image, det faceapi.Detection, w config.QualityWeights) float64 {
	resolution := resolutionScore(det.BBox)
	sharpness := imagehash.Sharpness(crop)
	confidence := clamp01(det.Confidence)
	frontal := frontalScore(det.Pose)

	return w.Resolution*resolution + w.Sharpness*sharpness + w.Confidence*confidence + w.Frontal*frontal
}

// resolutionScore rewards face area up to the reference size. A
// 64-pixel face from a wide shot carries far less identity signal than
// a close-up.
func resolutionScore(bbox []float64) float64 {
	if len(bbox) != 4 {
		return 0
	}
	w := bbox[2] - bbox[0]
	h := bbox[3] - bbox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return clamp01((w * h) / (referenceFaceSide * referenceFaceSide))
}

// frontalScore decays with head rotation. Yaw hurts embeddings the
// most, pitch less, roll barely at all.
func frontalScore(pose faceapi.Pose) float64 {
	yaw := math.Abs(pose.Yaw) / 90.0
	pitch := math.Abs(pose.Pitch) / 90.0
	roll := math.Abs(pose.Roll) / 180.0
	return clamp01(1.0 - (0.6*yaw + 0.3*pitch + 0.1*roll))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
