package fid

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PooledPixels is a FeatureExtractor without weights: each image is average-pooled over a Grid x Grid
// partition of its area, per channel, giving Grid*Grid*3 features.
//
// It is a cheap stand-in for a pretrained network, used when none is configured.
type PooledPixels struct {
	Grid int
}

// DefaultPooledPixels pools over a 4x4 grid.
var DefaultPooledPixels = PooledPixels{Grid: 4}

// Name implements FeatureExtractor.
func (p PooledPixels) Name() string { return fmt.Sprintf("pooled-pixels-%dx%d", p.Grid, p.Grid) }

// Extract implements FeatureExtractor.
func (p PooledPixels) Extract(images *tensors.Tensor) ([][]float32, error) {
	dims := images.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("fid: expected images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	grid := max(min(p.Grid, height, width), 1)
	values := tensors.MustCopyFlatData[float32](images)

	features := make([][]float32, batchSize)
	counts := make([]int, grid*grid)
	for ii := range features {
		sums := make([]float32, grid*grid*channels)
		clear(counts)
		base := ii * height * width * channels
		for y := 0; y < height; y++ {
			cellY := y * grid / height
			for x := 0; x < width; x++ {
				cell := cellY*grid + x*grid/width
				counts[cell]++
				offset := base + (y*width+x)*channels
				for c := 0; c < channels; c++ {
					sums[cell*channels+c] += values[offset+c]
				}
			}
		}
		for cell, count := range counts {
			for c := 0; c < channels; c++ {
				sums[cell*channels+c] /= float32(count)
			}
		}
		features[ii] = sums
	}
	return features, nil
}
