package inceptionv3

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MinimumImageSize accepted by InceptionV3, for both height and width.
const MinimumImageSize = 75

// PreprocessImage prepares channels-last images with values in [-1, 1] (the range the Keras weights
// were trained with) for the model:
//
//   - The alpha channel, if present, is dropped.
//   - Images smaller than 75x75 are upscaled (bilinear), preserving the aspect ratio.
func PreprocessImage(images *Node) *Node {
	images.AssertRank(4)
	dims := images.Shape().Dimensions
	if dims[3] == 4 {
		images = Slice(images, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	}
	height, width := dims[1], dims[2]
	upScale := math.Max(float64(MinimumImageSize)/float64(height), float64(MinimumImageSize)/float64(width))
	if upScale <= 1 {
		return images
	}
	newHeight := max(int(math.Round(float64(height)*upScale)), MinimumImageSize)
	newWidth := max(int(math.Round(float64(width)*upScale)), MinimumImageSize)
	return Interpolate(images, NoInterpolation, newHeight, newWidth, NoInterpolation).Bilinear().Done()
}
