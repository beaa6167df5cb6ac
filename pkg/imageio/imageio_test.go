package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPixel(t *testing.T) {
	assert.Equal(t, uint8(0), ToPixel(-1))
	assert.Equal(t, uint8(255), ToPixel(1))
	assert.Equal(t, uint8(128), ToPixel(0))
	assert.Equal(t, uint8(0), ToPixel(-3))
	assert.Equal(t, uint8(255), ToPixel(7))
}

func TestRoundTrip(t *testing.T) {
	img := imaging.New(4, 2, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	tensor, err := FromImages([]image.Image{img, img})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 3}, tensor.Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](tensor)
	assert.InDelta(t, 1.0, values[0], 1e-6)
	assert.InDelta(t, -1.0, values[1], 1e-6)

	imgs, err := ToImages(tensor)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, color.NRGBA{R: 255, G: 0, B: 51, A: 255}, imgs[1].NRGBAAt(3, 1))

	_, err = FromImages([]image.Image{img, imaging.New(3, 3, color.Black)})
	require.Error(t, err)
}

func TestResizeAndSave(t *testing.T) {
	tensor := tensors.FromFlatDataAndDimensions(make([]float32, 1*6*8*3), 1, 6, 8, 3)
	resized, err := Resize(tensor, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 3}, resized.Shape().Dimensions)
	same, err := Resize(tensor, 6, 8)
	require.NoError(t, err)
	assert.Same(t, tensor, same)

	imgs, err := ToImages(resized)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sub", "0_generated.png")
	require.NoError(t, SavePNG(imgs[0], path))
	loaded, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 3), loaded.Bounds().Size())
}
