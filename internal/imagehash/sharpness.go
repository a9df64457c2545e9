package imagehash

import (
	"image"
	"math"
)

// Sharpness estimates focus quality as the variance of the Laplacian
// over the luma channel, normalized into [0, 1]. Motion-blurred video
// frames score near zero; crisp portraits score well above 0.5.
func Sharpness(img image.Image) float64 {
	// Downscale large inputs so the score does not reward resolution;
	// that is measured separately.
	const maxSide = 256
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	if w > maxSide || h > maxSide {
		scale := float64(maxSide) / math.Max(float64(w), float64(h))
		w = int(float64(w) * scale)
		h = int(float64(h) * scale)
		if w < 3 || h < 3 {
			return 0
		}
	}
	gray := grayscale(scaleTo(img, w, h))

	// 4-neighbor Laplacian over the interior.
	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := gray[y-1][x] + gray[y+1][x] + gray[y][x-1] + gray[y][x+1] - 4*gray[y][x]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	// Empirically, variance above ~1000 means a sharp image.
	return math.Min(variance/1000.0, 1.0)
}
