package inceptionv3

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Extractor computes InceptionV3 embeddings of batches of images on a backend.
// It holds its own context, so the frozen weights are never mixed with (or saved along) a model's variables.
//
// It is safe for concurrent use.
type Extractor struct {
	model *Model

	mu   sync.Mutex
	exec *context.Exec
}

// NewExtractor creates an Extractor with weights unpacked under baseDir.
func NewExtractor(backend backends.Backend, baseDir string) (*Extractor, error) {
	model, err := New(baseDir)
	if err != nil {
		return nil, err
	}
	e := &Extractor{model: model}
	e.exec, err = context.NewExec(backend, context.New(), func(ctx *context.Context, images *Node) *Node {
		return e.model.Embeddings(ctx, images)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "inceptionv3: creating embeddings executor")
	}
	return e, nil
}

// Name of the features.
func (e *Extractor) Name() string { return "inceptionv3" }

// Extract returns one 2048-dimensional embedding per image. Images are shaped [batch_size, height, width, 3],
// with values in [-1, 1].
func (e *Extractor) Extract(images *tensors.Tensor) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		outputs, execErr = e.exec.Exec(images)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "inceptionv3: computing embeddings")
	}
	embeddings := outputs[0]
	defer embeddings.FinalizeAll()
	return rows(embeddings), nil
}

// rows splits a [batch_size, size] float32 tensor into one slice per example.
func rows(t *tensors.Tensor) [][]float32 {
	flat := tensors.MustCopyFlatData[float32](t)
	dims := t.Shape().Dimensions
	result := make([][]float32, dims[0])
	for ii := range result {
		result[ii] = flat[ii*dims[1] : (ii+1)*dims[1]]
	}
	return result
}
