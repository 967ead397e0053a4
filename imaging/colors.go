package imaging

import (
	"bytes"
	"fmt"
	"image"
	"sort"
)

// Color is one dominant color of an image with its approximate coverage.
type Color struct {
	// Hex is "#rrggbb".
	Hex string
	// Percentage is the 0-100 share of sampled pixels in this color's bucket.
	Percentage float64
	// Dominant marks the most frequent color.
	Dominant bool
}

// colorSampleStride controls pixel sampling density; every Nth pixel in each
// axis is inspected.
const colorSampleStride = 8

// DominantColors extracts up to n dominant colors by quantizing sampled
// pixels into a coarse RGB grid and ranking buckets by frequency.
func DominantColors(encoded []byte, n int) ([]Color, error) {
	if n <= 0 {
		n = 5
	}
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode image for color extraction: %w", err)
	}

	// Quantize each channel to 4 bits, keeping a representative average
	// per bucket.
	type bucket struct {
		count   int
		r, g, b uint64
	}
	buckets := make(map[uint32]*bucket)

	b := img.Bounds()
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y += colorSampleStride {
		for x := b.Min.X; x < b.Max.X; x += colorSampleStride {
			r, g, bl, _ := img.At(x, y).RGBA()
			r8, g8, b8 := uint8(r>>8), uint8(g>>8), uint8(bl>>8)
			key := uint32(r8>>4)<<8 | uint32(g8>>4)<<4 | uint32(b8>>4)
			bk := buckets[key]
			if bk == nil {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.count++
			bk.r += uint64(r8)
			bk.g += uint64(g8)
			bk.b += uint64(b8)
			total++
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("image has no pixels to sample")
	}

	ranked := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		ranked = append(ranked, bk)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	colors := make([]Color, 0, len(ranked))
	for i, bk := range ranked {
		c := uint64(bk.count)
		colors = append(colors, Color{
			Hex:        fmt.Sprintf("#%02x%02x%02x", bk.r/c, bk.g/c, bk.b/c),
			Percentage: float64(bk.count) / float64(total) * 100,
			Dominant:   i == 0,
		})
	}
	return colors, nil
}
