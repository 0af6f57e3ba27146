// SPDX-License-Identifier: MIT

package hash

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient renders a horizontal gradient; half the pixels land above the
// mean so the hash is non-degenerate.
func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func flat(w, h int, v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestPerceptualHashFormat(t *testing.T) {
	h := PerceptualHash(gradient(64, 64))
	assert.Len(t, h, 16)
}

func TestPerceptualHashScaleInvariant(t *testing.T) {
	a := PerceptualHash(gradient(64, 64))
	b := PerceptualHash(gradient(256, 256))
	assert.Greater(t, Similarity(a, b), 0.9)
}

func TestPerceptualHashDistinguishesImages(t *testing.T) {
	grad := PerceptualHash(gradient(64, 64))

	// Vertical gradient: same histogram, different structure.
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(y * 255 / 64)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	vert := PerceptualHash(img)
	assert.Less(t, Similarity(grad, vert), 0.9)
}

func TestSimilarityIdentical(t *testing.T) {
	h := PerceptualHash(gradient(32, 32))
	assert.Equal(t, 1.0, Similarity(h, h))
}

func TestSimilarityMalformed(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("zzzz", "0000000000000000"))
}

func TestSimilarityOpposite(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("0000000000000000", "ffffffffffffffff"))
}

func TestPerceptualHashFlatImage(t *testing.T) {
	// All pixels equal the mean; no bit is strictly greater.
	h := PerceptualHash(flat(16, 16, 128))
	assert.Equal(t, "0000000000000000", h)
}

func TestPerceptualHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poster.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, gradient(48, 48)))
	require.NoError(t, f.Close())

	fromFile, err := PerceptualHashFile(path)
	require.NoError(t, err)
	assert.Equal(t, PerceptualHash(gradient(48, 48)), fromFile)
}
