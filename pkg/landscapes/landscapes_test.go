package landscapes

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePairs writes n synthetic pairs of the given size in dir, photo ids "img_000", "img_001", ...
func writePairs(t *testing.T, dir string, n, height, width int) {
	for ii := range n {
		id := fmt.Sprintf("img_%03d", ii)
		photo := imaging.New(width, height, color.NRGBA{R: uint8(10 * ii), G: 128, B: 255, A: 255})
		require.NoError(t, imaging.Save(photo, filepath.Join(dir, id+".jpg")))
		seg := imaging.New(width, height, color.NRGBA{R: 0, G: 255, B: uint8(ii), A: 255})
		require.NoError(t, imaging.Save(seg, filepath.Join(dir, id+SegmapSuffix)))
	}
}

func TestListPairs(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 3, 30, 40)
	// Photo without segmentation map is ignored.
	require.NoError(t, imaging.Save(imaging.New(40, 30, color.Black), filepath.Join(dir, "lonely.jpg")))

	pairs, err := ListPairs(dir)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "img_000", pairs[0].ID)
	assert.Equal(t, filepath.Join(dir, "img_002_seg.png"), pairs[2].SegmapPath)
}

func TestLoadPair(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, imaging.Save(imaging.New(40, 30, color.White), filepath.Join(dir, "a.png")))
	require.NoError(t, imaging.Save(imaging.New(40, 30, color.Black), filepath.Join(dir, "a"+SegmapSuffix)))
	pair := Pair{ID: "a", ImagePath: filepath.Join(dir, "a.png"), SegmapPath: filepath.Join(dir, "a"+SegmapSuffix)}

	// Resized to 15x20.
	imageValues, segmapValues, err := LoadPair(pair, 15, 20, nil, nil)
	require.NoError(t, err)
	require.Len(t, imageValues, 15*20*3)
	require.Len(t, segmapValues, 15*20*3)
	assert.InDelta(t, 1.0, imageValues[0], 1e-5)
	assert.InDelta(t, -1.0, segmapValues[0], 1e-5)

	// Mismatched resolutions.
	require.NoError(t, imaging.Save(imaging.New(20, 15, color.Black), filepath.Join(dir, "b"+SegmapSuffix)))
	require.NoError(t, imaging.Save(imaging.New(40, 30, color.White), filepath.Join(dir, "b.png")))
	pair = Pair{ID: "b", ImagePath: filepath.Join(dir, "b.png"), SegmapPath: filepath.Join(dir, "b"+SegmapSuffix)}
	_, _, err = LoadPair(pair, 30, 40, nil, nil)
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

func TestDatasetPass(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 5, 30, 40)

	for _, dropIncomplete := range []bool{true, false} {
		t.Run(fmt.Sprintf("drop=%v", dropIncomplete), func(t *testing.T) {
			ds, err := New(Config{Dir: dir, BatchSize: 2, Workers: 3, DropIncomplete: dropIncomplete,
				Height: 30, Width: 40, Shuffle: true, Seed: 7})
			require.NoError(t, err)
			defer ds.Close()
			wantBatches := 3
			if dropIncomplete {
				wantBatches = 2
			}
			assert.Equal(t, wantBatches, ds.NumBatches())

			// Two passes: each delivers every batch exactly once.
			for range 2 {
				var ids []string
				numBatches := 0
				for {
					batch, err := ds.Next()
					if err == io.EOF {
						break
					}
					require.NoError(t, err)
					numBatches++
					assert.Equal(t, []int{batch.Size(), 30, 40, 3}, batch.Images.Shape().Dimensions)
					assert.Equal(t, batch.Images.Shape(), batch.Segmaps.Shape())
					ids = append(ids, batch.IDs...)
					batch.FinalizeAll()
				}
				assert.Equal(t, wantBatches, numBatches)
				sort.Strings(ids)
				assert.Len(t, ids, map[bool]int{true: 4, false: 5}[dropIncomplete])
				for ii := 1; ii < len(ids); ii++ {
					assert.NotEqual(t, ids[ii-1], ids[ii], "id yielded twice in one pass")
				}
				// io.EOF until Reset.
				_, err = ds.Next()
				assert.Equal(t, io.EOF, err)
				ds.Reset()
			}
		})
	}
}

func TestDatasetYieldAndReset(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 6, 30, 40)
	ds, err := New(Config{Dir: dir, BatchSize: 2, Workers: 2, DropIncomplete: true, Height: 16, Width: 20})
	require.NoError(t, err)
	defer ds.Close()

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Empty(t, labels)
	assert.Equal(t, []int{2, 16, 20, 3}, inputs[0].Shape().Dimensions)
	values := tensors.MustCopyFlatData[float32](inputs[1])
	for _, v := range values {
		require.True(t, v >= -1 && v <= 1)
	}

	// Reset in the middle of a pass restarts it.
	ds.Reset()
	count := 0
	for {
		if _, err := ds.Next(); err == io.EOF {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}

func TestDatasetBadPair(t *testing.T) {
	dir := t.TempDir()
	writePairs(t, dir, 2, 30, 40)
	require.NoError(t, imaging.Save(imaging.New(40, 30, color.White), filepath.Join(dir, "zz.jpg")))
	require.NoError(t, imaging.Save(imaging.New(10, 10, color.Black), filepath.Join(dir, "zz"+SegmapSuffix)))

	ds, err := New(Config{Dir: dir, BatchSize: 1, Workers: 2, Height: 30, Width: 40})
	require.NoError(t, err)
	defer ds.Close()
	var good, bad int
	for {
		_, err := ds.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			require.True(t, IsDataError(err))
			bad++
			continue
		}
		good++
	}
	assert.Equal(t, 2, good)
	assert.Equal(t, 1, bad)
}

func TestEmptyDir(t *testing.T) {
	ds, err := New(Config{Dir: t.TempDir(), BatchSize: 2, Workers: 1, Height: 30, Width: 40})
	require.NoError(t, err)
	assert.Equal(t, 0, ds.NumBatches())
	_, err = ds.Next()
	assert.Equal(t, io.EOF, err)
}
