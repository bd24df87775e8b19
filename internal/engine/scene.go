package engine

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

const sceneSampleSize = 32

// sceneStats decodes a JPEG frame, downsamples it and returns mean
// brightness and mean saturation, both normalised to [0, 1]. A cheap 32x32
// sample is plenty for day/night classification.
func sceneStats(jpegData []byte) (brightness, saturation float64, err error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return 0, 0, fmt.Errorf("decode frame: %w", err)
	}

	small := image.NewRGBA(image.Rect(0, 0, sceneSampleSize, sceneSampleSize))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var sumLuma, sumSat float64
	n := sceneSampleSize * sceneSampleSize
	for i := 0; i < n; i++ {
		r := float64(small.Pix[i*4]) / 255
		g := float64(small.Pix[i*4+1]) / 255
		b := float64(small.Pix[i*4+2]) / 255

		sumLuma += 0.299*r + 0.587*g + 0.114*b

		hi, lo := maxf(r, maxf(g, b)), minf(r, minf(g, b))
		if hi > 0 {
			sumSat += (hi - lo) / hi
		}
	}
	return sumLuma / float64(n), sumSat / float64(n), nil
}
