package landscapes

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Dataset yields Batch values read from a directory, implementing train.Dataset.
//
// Each pass over the data (an epoch) yields every batch exactly once, in no particular
// order, then io.EOF. Reset starts a new pass (reshuffled, if shuffling is enabled).
//
// Batches holding a malformed pair yield a *DataError instead; callers skip them and continue.
type Dataset struct {
	name           string
	pairs          []Pair
	batchSize      int
	workers        int
	dropIncomplete bool
	height, width  int
	rng            *rand.Rand

	mu   sync.Mutex
	pass *pass
}

// pass is one epoch of prefetching workers.
type pass struct {
	results chan batchResult
	cancel  context.CancelFunc
	done    chan struct{}
}

type batchResult struct {
	batch Batch
	err   error
}

// Config for New.
type Config struct {
	Dir            string
	BatchSize      int
	Workers        int
	DropIncomplete bool

	// Height, Width of the yielded images: pairs of a different resolution are resized.
	Height, Width int

	// Shuffle the order of examples every pass, using Seed.
	Shuffle bool
	Seed    uint64
}

// New lists the pairs in cfg.Dir and returns a Dataset ready to be read.
// An empty directory is not an error: its passes are simply empty.
func New(cfg Config) (*Dataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("landscapes: batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("landscapes: invalid image size %dx%d", cfg.Height, cfg.Width)
	}
	pairs, err := ListPairs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		klog.Warningf("landscapes: no image pairs found in %q", cfg.Dir)
	}
	ds := &Dataset{
		name:           cfg.Dir,
		pairs:          pairs,
		batchSize:      cfg.BatchSize,
		workers:        max(cfg.Workers, 1),
		dropIncomplete: cfg.DropIncomplete,
		height:         cfg.Height,
		width:          cfg.Width,
	}
	if cfg.Shuffle {
		ds.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	}
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumPairs returns the number of pairs found.
func (ds *Dataset) NumPairs() int { return len(ds.pairs) }

// NumBatches returns the number of batches per pass.
func (ds *Dataset) NumBatches() int {
	if ds.dropIncomplete {
		return len(ds.pairs) / ds.batchSize
	}
	return (len(ds.pairs) + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset. It stops the current pass, if any: the next call to Next starts a new one.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stopLocked()
}

// Close stops the prefetching workers.
func (ds *Dataset) Close() {
	ds.Reset()
}

func (ds *Dataset) stopLocked() {
	if ds.pass == nil {
		return
	}
	ds.pass.cancel()
	<-ds.pass.done
	ds.pass = nil
}

// Yield implements train.Dataset: inputs are the photos and the segmentation maps, there are no labels.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := ds.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{batch.Images, batch.Segmaps}, nil, nil
}

// Next returns the next batch of the current pass, io.EOF at its end, or a *DataError for a skipped batch.
func (ds *Dataset) Next() (Batch, error) {
	ds.mu.Lock()
	if ds.pass == nil {
		ds.pass = ds.startPass()
	}
	p := ds.pass
	ds.mu.Unlock()

	result, ok := <-p.results
	if !ok {
		return Batch{}, io.EOF
	}
	return result.batch, result.err
}

// startPass launches the workers for one pass. Each batch index is handed to exactly one worker.
func (ds *Dataset) startPass() *pass {
	batches := batchIndices(len(ds.pairs), ds.batchSize, ds.dropIncomplete, ds.rng)
	ctx, cancel := context.WithCancel(context.Background())
	p := &pass{
		results: make(chan batchResult, ds.workers),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	jobs := make(chan []int)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, indices := range batches {
			select {
			case jobs <- indices:
			case <-gCtx.Done():
				return nil
			}
		}
		return nil
	})
	for range ds.workers {
		g.Go(func() error {
			for indices := range jobs {
				batch, err := ds.loadBatch(indices)
				select {
				case p.results <- batchResult{batch: batch, err: err}:
				case <-gCtx.Done():
					batch.FinalizeAll()
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(p.results)
		if ctx.Err() != nil {
			// Reset in the middle of a pass: free what was prefetched but never consumed.
			for result := range p.results {
				result.batch.FinalizeAll()
			}
		}
		cancel()
		close(p.done)
	}()
	return p
}

// loadBatch reads the pairs at the given indices into a Batch.
func (ds *Dataset) loadBatch(indices []int) (Batch, error) {
	numValues := len(indices) * ds.height * ds.width * 3
	imageValues := make([]float32, 0, numValues)
	segmapValues := make([]float32, 0, numValues)
	ids := make([]string, 0, len(indices))
	for _, idx := range indices {
		pair := ds.pairs[idx]
		var err error
		imageValues, segmapValues, err = LoadPair(pair, ds.height, ds.width, imageValues, segmapValues)
		if err != nil {
			return Batch{}, err
		}
		ids = append(ids, pair.ID)
	}
	return Batch{
		Images:  tensors.FromFlatDataAndDimensions(imageValues, len(indices), ds.height, ds.width, 3),
		Segmaps: tensors.FromFlatDataAndDimensions(segmapValues, len(indices), ds.height, ds.width, 3),
		IDs:     ids,
	}, nil
}
