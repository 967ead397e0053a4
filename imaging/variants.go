// Package imaging derives the fixed set of size variants from a master image
// and extracts dominant colors. All work here is CPU-bound; callers should
// keep it off I/O-concurrency budgets.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// jpegQuality is the encode quality for all variants.
const jpegQuality = 90

// Preset is one of the closed set of variant sizes. Additions require a
// schema change.
type Preset struct {
	Name   string
	Width  int
	Height int
}

// Presets is the closed, ordered set of size presets.
var Presets = []Preset{
	{Name: "thumbnail", Width: 150, Height: 150},
	{Name: "product_card", Width: 400, Height: 300},
	{Name: "full_product", Width: 800, Height: 600},
	{Name: "hero_image", Width: 1920, Height: 600},
	{Name: "full_res", Width: 2048, Height: 2048},
}

// PresetByName returns the preset with the given name.
func PresetByName(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Variant is one resized encoding of the master image.
type Variant struct {
	Preset Preset
	// Bytes is the JPEG encoding at the preset dimensions.
	Bytes []byte
}

// Variants decodes the master image once and produces one JPEG per preset via
// center-crop-then-fit to the target aspect ratio.
func Variants(master []byte) ([]Variant, error) {
	src, _, err := image.Decode(bytes.NewReader(master))
	if err != nil {
		return nil, fmt.Errorf("decode master image: %w", err)
	}

	out := make([]Variant, 0, len(Presets))
	for _, preset := range Presets {
		resized := resizeAndCrop(src, preset.Width, preset.Height)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode %s variant: %w", preset.Name, err)
		}
		out = append(out, Variant{Preset: preset, Bytes: buf.Bytes()})
	}
	return out, nil
}

// resizeAndCrop scales src so the target rectangle is fully covered, then
// center-crops to exactly targetWidth x targetHeight.
func resizeAndCrop(src image.Image, targetWidth, targetHeight int) image.Image {
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	srcRatio := float64(srcW) / float64(srcH)
	targetRatio := float64(targetWidth) / float64(targetHeight)

	// Scale to cover, crop the overflowing axis.
	var scaledW, scaledH int
	if srcRatio > targetRatio {
		scaledH = targetHeight
		scaledW = int(float64(scaledH) * srcRatio)
	} else {
		scaledW = targetWidth
		scaledH = int(float64(scaledW) / srcRatio)
	}
	if scaledW < targetWidth {
		scaledW = targetWidth
	}
	if scaledH < targetHeight {
		scaledH = targetHeight
	}

	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)

	left := (scaledW - targetWidth) / 2
	top := (scaledH - targetHeight) / 2

	cropped := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	draw.Draw(cropped, cropped.Bounds(), scaled, image.Pt(left, top), draw.Src)
	return cropped
}
