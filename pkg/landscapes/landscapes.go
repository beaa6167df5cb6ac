// Package landscapes loads paired (photo, segmentation map) batches from a directory of
// preprocessed landscape images.
//
// The directory layout is flat: each photo "<id>.jpg" (or .jpeg/.png) is paired with its
// segmentation map "<id>_seg.png" in the same directory.
//
// Images are decoded and resized with github.com/disintegration/imaging and normalized to [-1, 1].
// Batches are prefetched by a bounded pool of workers.
package landscapes

import (
	"fmt"
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/chekfung/James-TompGAN/pkg/imageio"
)

// SegmapSuffix is appended to the photo id to get the segmentation map file name.
const SegmapSuffix = "_seg.png"

// Pair identifies one photo and its segmentation map.
type Pair struct {
	ID                    string
	ImagePath, SegmapPath string
}

// Batch of paired images. Images and Segmaps are float32 shaped [batchSize, height, width, 3], in [-1, 1].
type Batch struct {
	Images, Segmaps *tensors.Tensor
	IDs             []string
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int { return len(b.IDs) }

// FinalizeAll immediately frees the batch tensors.
func (b Batch) FinalizeAll() {
	if b.Images != nil {
		b.Images.FinalizeAll()
	}
	if b.Segmaps != nil {
		b.Segmaps.FinalizeAll()
	}
}

// DataError reports a malformed or mismatched pair. The batch holding it is skipped, the pass continues.
type DataError struct {
	Pair Pair
	Err  error
}

// Error implements error.
func (e *DataError) Error() string {
	return fmt.Sprintf("landscapes: bad pair %q: %v", e.Pair.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DataError) Unwrap() error { return e.Err }

// IsDataError returns whether err is (or wraps) a *DataError.
func IsDataError(err error) bool {
	var dataErr *DataError
	return errors.As(err, &dataErr)
}

// ListPairs returns the pairs found in dir, sorted by id.
// Photos without a segmentation map are logged and ignored.
func ListPairs(dir string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			present[entry.Name()] = true
		}
	}
	var pairs []Pair
	for name := range present {
		if strings.HasSuffix(name, SegmapSuffix) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		segName := id + SegmapSuffix
		if !present[segName] {
			klog.Warningf("landscapes: photo %q in %q has no segmentation map %q, ignoring it", name, dir, segName)
			continue
		}
		pairs = append(pairs, Pair{
			ID:         id,
			ImagePath:  filepath.Join(dir, name),
			SegmapPath: filepath.Join(dir, segName),
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs, nil
}

// LoadPair decodes one pair, checks both share the same resolution and resizes them to height x width.
// The values are appended to imageValues and segmapValues, normalized to [-1, 1], in HWC order.
func LoadPair(pair Pair, height, width int, imageValues, segmapValues []float32) ([]float32, []float32, error) {
	img, err := imaging.Open(pair.ImagePath)
	if err != nil {
		return imageValues, segmapValues, &DataError{Pair: pair, Err: errors.Wrap(err, "decoding photo")}
	}
	seg, err := imaging.Open(pair.SegmapPath)
	if err != nil {
		return imageValues, segmapValues, &DataError{Pair: pair, Err: errors.Wrap(err, "decoding segmentation map")}
	}
	if img.Bounds().Size() != seg.Bounds().Size() {
		return imageValues, segmapValues, &DataError{Pair: pair, Err: errors.Errorf(
			"photo is %v but segmentation map is %v", img.Bounds().Size(), seg.Bounds().Size())}
	}
	// Segmentation maps hold class colors: never blend them.
	imageValues = imageio.AppendNormalized(imageValues, resize(img, height, width, imaging.Lanczos))
	segmapValues = imageio.AppendNormalized(segmapValues, resize(seg, height, width, imaging.NearestNeighbor))
	return imageValues, segmapValues, nil
}

func resize(img image.Image, height, width int, filter imaging.ResampleFilter) image.Image {
	size := img.Bounds().Size()
	if size.X == width && size.Y == height {
		return img
	}
	return imaging.Resize(img, width, height, filter)
}

// batchIndices splits the (optionally shuffled) pair indices into batches.
func batchIndices(numPairs, batchSize int, dropIncomplete bool, rng *rand.Rand) [][]int {
	order := make([]int, numPairs)
	for ii := range order {
		order[ii] = ii
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var batches [][]int
	for start := 0; start < numPairs; start += batchSize {
		end := start + batchSize
		if end > numPairs {
			if dropIncomplete {
				break
			}
			end = numPairs
		}
		batches = append(batches, order[start:end])
	}
	return batches
}
