package fid

import (
	"math"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/chekfung/James-TompGAN/pkg/imageio"
)

// FeatureExtractor maps a batch of images to one feature vector per image.
// Images are float32 tensors shaped [batch_size, height, width, 3] with values in [-1, 1].
//
// Implementations must be frozen: the same image always yields the same features.
type FeatureExtractor interface {
	Name() string
	Extract(images *tensors.Tensor) ([][]float32, error)
}

// Evaluator computes the Fréchet distance of batches of images through a FeatureExtractor.
type Evaluator struct {
	Extractor FeatureExtractor

	// Height, Width the images are resized to before extraction. Zero values disable resizing.
	Height, Width int
}

// NewEvaluator returns an Evaluator that resizes images to height x width before extracting features.
func NewEvaluator(extractor FeatureExtractor, height, width int) *Evaluator {
	return &Evaluator{Extractor: extractor, Height: height, Width: width}
}

// Features resizes the images (if configured) and extracts their features.
func (ev *Evaluator) Features(images *tensors.Tensor) ([][]float32, error) {
	if ev.Height > 0 && ev.Width > 0 {
		resized, err := imageio.Resize(images, ev.Height, ev.Width)
		if err != nil {
			return nil, err
		}
		if resized != images {
			defer resized.FinalizeAll()
		}
		images = resized
	}
	features, err := ev.Extractor.Extract(images)
	if err != nil {
		return nil, errors.WithMessagef(err, "fid: extracting %s features", ev.Extractor.Name())
	}
	return features, nil
}

// Evaluate returns the Fréchet distance between the features of the real and of the generated images.
// Each batch needs at least 2 images.
func (ev *Evaluator) Evaluate(real, generated *tensors.Tensor) (float64, error) {
	realFeatures, err := ev.Features(real)
	if err != nil {
		return math.NaN(), err
	}
	genFeatures, err := ev.Features(generated)
	if err != nil {
		return math.NaN(), err
	}
	return DistanceFromRows(realFeatures, genFeatures)
}

// Accumulator collects features over many batches, to compute one distance over all of them.
// It is safe for concurrent use.
type Accumulator struct {
	ev *Evaluator

	mu              sync.Mutex
	real, generated [][]float32
}

// NewAccumulator returns an empty Accumulator using ev to extract features.
func (ev *Evaluator) NewAccumulator() *Accumulator {
	return &Accumulator{ev: ev}
}

// Add the features of a batch of real and a batch of generated images.
func (acc *Accumulator) Add(real, generated *tensors.Tensor) error {
	realFeatures, err := acc.ev.Features(real)
	if err != nil {
		return err
	}
	genFeatures, err := acc.ev.Features(generated)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.real = append(acc.real, realFeatures...)
	acc.generated = append(acc.generated, genFeatures...)
	return nil
}

// Len returns the number of real samples accumulated.
func (acc *Accumulator) Len() int {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return len(acc.real)
}

// Distance returns the Fréchet distance over everything accumulated so far.
func (acc *Accumulator) Distance() (float64, error) {
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return DistanceFromRows(acc.real, acc.generated)
}
