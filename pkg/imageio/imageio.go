// Package imageio converts between batches of channels-last tensors with values in [-1, 1] and images.
package imageio

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// AppendNormalized appends the RGB values of img, in HWC order, mapped from [0, 255] to [-1, 1].
func AppendNormalized(values []float32, img image.Image) []float32 {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+bounds.Dx()*4]
		for x := 0; x < bounds.Dx(); x++ {
			for c := 0; c < 3; c++ {
				values = append(values, float32(row[x*4+c])/127.5-1)
			}
		}
	}
	return values
}

// ToPixel maps a value in [-1, 1] to [0, 255], clipping values out of range.
func ToPixel(v float32) uint8 {
	p := (v + 1) * 127.5
	switch {
	case p <= 0 || p != p:
		return 0
	case p >= 255:
		return 255
	}
	return uint8(p + 0.5)
}

// ToImages converts a float32 tensor shaped [batch_size, height, width, 3], with values in [-1, 1],
// to one opaque image per example.
func ToImages(t *tensors.Tensor) ([]*image.NRGBA, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 4 || dims[3] != 3 {
		return nil, errors.Errorf("imageio: expected images shaped [batch, height, width, 3], got %s", t.Shape())
	}
	values, err := copyFloat32(t)
	if err != nil {
		return nil, err
	}
	batchSize, height, width := dims[0], dims[1], dims[2]
	imgs := make([]*image.NRGBA, batchSize)
	pos := 0
	for ii := range imgs {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				offset := y*img.Stride + x*4
				for c := 0; c < 3; c++ {
					img.Pix[offset+c] = ToPixel(values[pos])
					pos++
				}
				img.Pix[offset+3] = 255
			}
		}
		imgs[ii] = img
	}
	return imgs, nil
}

// FromImages converts images of the same size to a float32 tensor shaped [batch_size, height, width, 3]
// with values in [-1, 1].
func FromImages(imgs []image.Image) (*tensors.Tensor, error) {
	if len(imgs) == 0 {
		return nil, errors.New("imageio: no images to convert")
	}
	size := imgs[0].Bounds().Size()
	values := make([]float32, 0, len(imgs)*size.X*size.Y*3)
	for ii, img := range imgs {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("imageio: image #%d is %v, but image #0 is %v", ii, img.Bounds().Size(), size)
		}
		values = AppendNormalized(values, img)
	}
	return tensors.FromFlatDataAndDimensions(values, len(imgs), size.Y, size.X, 3), nil
}

// Resize a batch of images to height x width with bilinear interpolation. It returns t itself if it already
// has the requested size.
func Resize(t *tensors.Tensor, height, width int) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 4 && dims[1] == height && dims[2] == width {
		return t, nil
	}
	imgs, err := ToImages(t)
	if err != nil {
		return nil, err
	}
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		resized[ii] = imaging.Resize(img, width, height, imaging.Linear)
	}
	return FromImages(resized)
}

// SavePNG writes img to filePath, creating its directory if needed.
func SavePNG(img image.Image, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	if err := imaging.Save(img, filePath); err != nil {
		return errors.Wrapf(err, "saving image to %q", filePath)
	}
	return nil
}

func copyFloat32(t *tensors.Tensor) (values []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("imageio: tensor %s is not float32: %v", t.Shape(), r)
		}
	}()
	return tensors.MustCopyFlatData[float32](t), nil
}
