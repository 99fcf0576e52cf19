package dataset

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// FeatureGrid is the side of the grey-level grid extracted from images.
const FeatureGrid = 16

// FeatureSize is the length of an image feature vector.
const FeatureSize = FeatureGrid * FeatureGrid

// ImageFeatures decodes raw and samples a FeatureGrid x FeatureGrid grid of
// mean RGB intensities in [0, 1].
func ImageFeatures(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, FeatureSize)
	stepX := float64(width) / float64(FeatureGrid)
	stepY := float64(height) / float64(FeatureGrid)
	for gy := 0; gy < FeatureGrid; gy++ {
		for gx := 0; gx < FeatureGrid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*FeatureGrid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}
