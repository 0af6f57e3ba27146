// SPDX-License-Identifier: MIT

package hash

import (
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"math/bits"
	"os"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/mediacurator/curator/internal/errdef"
)

// phashBits is the size of the perceptual hash bitmap (8×8).
const phashBits = 64

// PerceptualHash computes the 64-bit mean hash of an image: downscale to
// 8×8, grayscale, set a bit for every pixel brighter than the mean. The
// result is rendered as 16 hex characters.
func PerceptualHash(img image.Image) string {
	small := image.NewGray(image.Rect(0, 0, 8, 8))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var sum uint64
	for _, px := range small.Pix {
		sum += uint64(px)
	}
	mean := uint8(sum / phashBits)

	var h uint64
	for i, px := range small.Pix {
		if px > mean {
			h |= 1 << uint(phashBits-1-i)
		}
	}
	return fmt.Sprintf("%016x", h)
}

// PerceptualHashFile decodes the image at path and hashes it.
func PerceptualHashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pathError(err, path)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", errdef.Wrap(errdef.CodeValidation, err, "decode image %s", path)
	}
	return PerceptualHash(img), nil
}

// Similarity returns 1 − (hamming distance ÷ 64) between two perceptual
// hashes, or 0 when either hash is malformed.
func Similarity(a, b string) float64 {
	ha, errA := strconv.ParseUint(a, 16, 64)
	hb, errB := strconv.ParseUint(b, 16, 64)
	if errA != nil || errB != nil {
		return 0
	}
	dist := bits.OnesCount64(ha ^ hb)
	return 1 - float64(dist)/phashBits
}
