// Package gantest holds helpers shared by the tests: a backend and synthetic landscape pairs.
package gantest

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	"github.com/chekfung/James-TompGAN/pkg/config"
)

var (
	backendOnce sync.Once
	backend     backends.Backend
)

// Backend returns a backend shared by all tests of a package. It defaults to "xla:cpu", since the pure Go
// backend lacks the gradients of padding and max-pooling; GOMLX_BACKEND overrides it.
func Backend() backends.Backend {
	backendOnce.Do(func() {
		backends.DefaultConfig = "xla:cpu"
		backend = backends.MustNew()
		fmt.Printf("Backend: %s\n", backend.Description())
	})
	return backend
}

// WritePairs writes n synthetic (photo, segmentation map) pairs of the given size in dir.
func WritePairs(t testing.TB, dir string, n, height, width int) {
	t.Helper()
	for ii := range n {
		id := fmt.Sprintf("%06d", ii)
		photo := imaging.New(width, height, color.NRGBA{R: uint8(40 * ii), G: 160, B: 220, A: 255})
		// Lower half "ground" class, upper half "sky" class.
		seg := imaging.New(width, height, color.NRGBA{R: 0, G: 0, B: 255, A: 255})
		ground := imaging.New(width, height/2, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
		seg = imaging.Paste(seg, ground, image.Pt(0, height-height/2))
		require.NoError(t, imaging.Save(photo, filepath.Join(dir, id+".jpg")))
		require.NoError(t, imaging.Save(seg, filepath.Join(dir, id+"_seg.png")))
	}
}

// SmallContext returns the default context configured with a tiny model, for fast tests
// on height x width images.
func SmallContext(height, width int) *context.Context {
	ctx := config.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		"image_height":       height,
		"image_width":        width,
		"fid_image_height":   height,
		"fid_image_width":    width,
		"z_dim":              8,
		"gen_base_channels":  16,
		"gen_num_blocks":     2,
		"spade_hidden":       8,
		"disc_base_channels": 8,
		"disc_num_layers":    2,
		"batch_size":         2,
		"num_data_threads":   2,
		"rng_seed":           42,
	})
	if err := ctx.SetRNGStateFromSeed(42); err != nil {
		panic(err)
	}
	return ctx
}
