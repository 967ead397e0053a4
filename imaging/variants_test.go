package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestVariantsProducesAllPresets(t *testing.T) {
	master := encodePNG(t, solidImage(256, 256, color.RGBA{R: 180, G: 60, B: 30, A: 255}))

	variants, err := Variants(master)
	require.NoError(t, err)
	require.Len(t, variants, len(Presets))

	for i, v := range variants {
		assert.Equal(t, Presets[i].Name, v.Preset.Name)

		decoded, err := jpeg.Decode(bytes.NewReader(v.Bytes))
		require.NoError(t, err, "variant %s is valid JPEG", v.Preset.Name)
		bounds := decoded.Bounds()
		assert.Equal(t, v.Preset.Width, bounds.Dx(), "%s width", v.Preset.Name)
		assert.Equal(t, v.Preset.Height, bounds.Dy(), "%s height", v.Preset.Name)
	}
}

func TestVariantsFromNonSquareMaster(t *testing.T) {
	// A wide master must still fill every preset exactly via center crop.
	master := encodePNG(t, solidImage(300, 100, color.RGBA{R: 10, G: 200, B: 90, A: 255}))

	variants, err := Variants(master)
	require.NoError(t, err)
	for _, v := range variants {
		decoded, err := jpeg.Decode(bytes.NewReader(v.Bytes))
		require.NoError(t, err)
		assert.Equal(t, v.Preset.Width, decoded.Bounds().Dx())
		assert.Equal(t, v.Preset.Height, decoded.Bounds().Dy())
	}
}

func TestVariantsRejectsGarbage(t *testing.T) {
	_, err := Variants([]byte("not an image"))
	assert.Error(t, err)
}

func TestPresetByName(t *testing.T) {
	p, ok := PresetByName("hero_image")
	require.True(t, ok)
	assert.Equal(t, 1920, p.Width)
	assert.Equal(t, 600, p.Height)

	_, ok = PresetByName("billboard")
	assert.False(t, ok)
}

func TestDominantColors(t *testing.T) {
	master := encodePNG(t, solidImage(64, 64, color.RGBA{R: 255, G: 0, B: 0, A: 255}))

	colors, err := DominantColors(master, 5)
	require.NoError(t, err)
	require.NotEmpty(t, colors)
	assert.True(t, colors[0].Dominant)
	assert.Equal(t, "#ff0000", colors[0].Hex)
	assert.InDelta(t, 100.0, colors[0].Percentage, 0.1)
}

func TestDominantColorsTwoTone(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x < 48 {
				img.Set(x, y, color.RGBA{R: 0, G: 0, B: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}

	colors, err := DominantColors(encodePNG(t, img), 2)
	require.NoError(t, err)
	require.Len(t, colors, 2)
	assert.Equal(t, "#0000ff", colors[0].Hex)
	assert.True(t, colors[0].Dominant)
	assert.False(t, colors[1].Dominant)
	assert.Greater(t, colors[0].Percentage, colors[1].Percentage)
}

func TestDominantColorsRejectsGarbage(t *testing.T) {
	_, err := DominantColors([]byte("junk"), 3)
	assert.Error(t, err)
}
