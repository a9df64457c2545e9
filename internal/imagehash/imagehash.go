package imagehash

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"sort"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Hashes holds the perceptual hashes of one face crop. Two crops of the
// same portrait land within a few bits of each other even after
// re-encoding or mild resizing, which is what the near-duplicate
// prefilter relies on.
type Hashes struct {
	PHash uint64 // DCT-based perceptual hash
	DHash uint64 // horizontal gradient hash
}

// Compute decodes image bytes and returns both perceptual hashes.
func Compute(imageData []byte) (*Hashes, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return ComputeImage(img), nil
}

// ComputeImage returns both perceptual hashes of an already-decoded image.
func ComputeImage(img image.Image) *Hashes {
	return &Hashes{
		PHash: perceptualHash(img),
		DHash: differenceHash(img),
	}
}

// HammingDistance computes the Hamming distance between two 64-bit hashes.
func HammingDistance(hash1, hash2 uint64) int {
	xor := hash1 ^ hash2
	distance := 0
	for xor != 0 {
		distance++
		xor &= xor - 1 // Clear lowest set bit
	}
	return distance
}

// NearDuplicate reports whether either hash pair is within the
// threshold. The pHash catches re-encodes, the dHash catches small
// crops; a hit on either is enough to send the pair to the embedding
// comparison.
func (h *Hashes) NearDuplicate(other *Hashes, threshold int) bool {
	return HammingDistance(h.PHash, other.PHash) <= threshold ||
		HammingDistance(h.DHash, other.DHash) <= threshold
}

// perceptualHash computes a 64-bit DCT-based hash: resize to 32x32,
// take the low-frequency 8x8 block minus the DC term, and threshold
// each coefficient against the block median.
func perceptualHash(img image.Image) uint64 {
	gray := grayscale(scaleTo(img, 32, 32))
	dct := dct2d(gray)

	lowFreq := make([]float64, 0, 64)
	for u := range 8 {
		for v := range 8 {
			if u == 0 && v == 0 {
				continue
			}
			lowFreq = append(lowFreq, dct[u][v])
		}
	}
	lowFreq = append(lowFreq, dct[8][0]) // pad back to 64 values

	median := median(lowFreq)
	var hash uint64
	for i, v := range lowFreq {
		if v > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

// differenceHash computes a 64-bit gradient hash over a 9x8 thumbnail:
// one bit per adjacent horizontal pixel pair.
func differenceHash(img image.Image) uint64 {
	gray := grayscale(scaleTo(img, 9, 8))

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if gray[y][x] > gray[y][x+1] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

// CropFace cuts the face region from a frame, clamped to the frame
// bounds. The bbox is x1, y1, x2, y2 in pixels.
func CropFace(img image.Image, bbox []float64) (image.Image, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bounding box has %d coordinates, want 4", len(bbox))
	}
	bounds := img.Bounds()
	rect := image.Rect(int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("bounding box %v lies outside the image", bbox)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}

// EncodeJPEG renders any image as JPEG bytes.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// scaleTo resamples an image to exact dimensions.
func scaleTo(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// grayscale converts an image into row-major luma values (0-255).
func grayscale(img *image.RGBA) [][]float64 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gray := make([][]float64, height)
	for y := range height {
		gray[y] = make([]float64, width)
		for x := range width {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			gray[y][x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
		}
	}
	return gray
}

// dct2d computes the 2D DCT-II of a square grayscale block.
func dct2d(gray [][]float64) [][]float64 {
	size := len(gray)
	cosTable := make([][]float64, size)
	for i := range cosTable {
		cosTable[i] = make([]float64, size)
		for j := range size {
			cosTable[i][j] = math.Cos(math.Pi * float64(i) * (2*float64(j) + 1) / (2 * float64(size)))
		}
	}

	dct := make([][]float64, size)
	for u := range size {
		dct[u] = make([]float64, size)
		for v := range size {
			var sum float64
			for y := range size {
				for x := range size {
					sum += gray[y][x] * cosTable[u][y] * cosTable[v][x]
				}
			}
			dct[u][v] = sum
		}
	}
	return dct
}

// median returns the median value from a slice.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
