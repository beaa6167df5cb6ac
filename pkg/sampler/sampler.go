// Package sampler generates images from a trained generator for every item of an evaluation dataset,
// and summarizes the losses and the quality metric over all of them.
//
// For item i it writes "<i>_generated.png", "<i>_truth.png" and "<i>_segmap.png" to the output directory.
package sampler

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/chekfung/James-TompGAN/models/spade"
	"github.com/chekfung/James-TompGAN/pkg/fid"
	"github.com/chekfung/James-TompGAN/pkg/ganckpt"
	"github.com/chekfung/James-TompGAN/pkg/gantrain"
	"github.com/chekfung/James-TompGAN/pkg/imageio"
	"github.com/chekfung/James-TompGAN/pkg/landscapes"
	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

// Image roles, used as file name suffixes.
const (
	RoleGenerated = "generated"
	RoleTruth     = "truth"
	RoleSegmap    = "segmap"
)

// Config of a sampling run.
type Config struct {
	// OutDir receives the images. Required.
	OutDir string

	// LogsDir receives the summary metrics log. If empty, it is not written.
	LogsDir string

	// Checkpoint restored into the models context. Required: sampling from untrained models is an error.
	Checkpoint *ganckpt.Info

	// Perceptual feature extractor of the generator loss, as used in training.
	Perceptual spade.FeatureFn

	// Metric used for the FID over all items. If nil, the FID is not computed.
	Metric *fid.Evaluator

	ShowProgress bool
}

// Summary of a sampling run.
type Summary struct {
	Checkpoint ganckpt.Info

	// NumItems is the number of items (images) generated.
	NumItems       int
	SkippedBatches int

	// Averages of the losses over the batches with finite losses, and FID over all items. NaN if not available.
	AvgFID, AvgGenLoss, AvgDiscLoss float64
}

// Record returns the row of the test metrics log.
func (s Summary) Record() metricslog.Record {
	return metricslog.Record{FID: s.AvgFID, GenLoss: s.AvgGenLoss, DiscLoss: s.AvgDiscLoss}
}

// ImagePath returns the path of the image of the given role for item index.
func ImagePath(outDir string, index int, role string) string {
	return filepath.Join(outDir, fmt.Sprintf("%d_%s.png", index, role))
}

// Run generates images for every item of data with the models in modelCtx, which must have been
// restored from cfg.Checkpoint.
//
// Cancellation of ctx is checked between batches.
func Run(ctx context.Context, backend backends.Backend, modelCtx *mlctx.Context, gen, disc spade.Model,
	data train.Dataset, cfg Config) (Summary, error) {
	summary := Summary{AvgFID: math.NaN(), AvgGenLoss: math.NaN(), AvgDiscLoss: math.NaN()}
	if cfg.OutDir == "" {
		return summary, errors.New("sampler: output directory not given")
	}
	if cfg.Checkpoint == nil {
		return summary, errors.WithMessage(ganckpt.ErrNotFound, "sampler: models must be restored from a checkpoint")
	}
	summary.Checkpoint = *cfg.Checkpoint
	klog.Infof("Sampling from checkpoint %s (epoch %d, global step %d)",
		summary.Checkpoint.BaseName, summary.Checkpoint.Epoch, summary.Checkpoint.GlobalStep)
	if err := os.MkdirAll(cfg.OutDir, 0777); err != nil {
		return summary, errors.Wrapf(err, "sampler: creating %q", cfg.OutDir)
	}

	trainer, err := gantrain.New(backend, modelCtx, gen, disc, gantrain.Config{Perceptual: cfg.Perceptual})
	if err != nil {
		return summary, err
	}
	defer trainer.Finalize()
	var acc *fid.Accumulator
	if cfg.Metric != nil {
		acc = cfg.Metric.NewAccumulator()
	}

	var bar *progressbar.ProgressBar
	if cfg.ShowProgress {
		bar = progressbar.NewOptions(-1, progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("sampling"), progressbar.OptionShowCount(), progressbar.OptionClearOnFinish())
		defer func() { _ = bar.Finish() }()
	}

	data.Reset()
	var totalGen, totalDisc float64
	numLosses := 0
	for {
		if err := ctx.Err(); err != nil {
			return summary, errors.WithMessagef(err, "sampler: interrupted after %d items", summary.NumItems)
		}
		_, inputs, _, err := data.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			if landscapes.IsDataError(err) {
				klog.Warningf("sampler: skipping batch: %v", err)
				summary.SkippedBatches++
				continue
			}
			return summary, errors.WithMessagef(err, "sampler: reading %q", data.Name())
		}
		images, segmaps := inputs[0], inputs[1]
		result, err := trainer.Eval(images, segmaps)
		if err != nil {
			_ = images.FinalizeAll()
			_ = segmaps.FinalizeAll()
			return summary, err
		}
		if result.Finite() {
			totalGen += result.GenLoss
			totalDisc += result.DiscLoss
			numLosses++
		} else {
			klog.Warningf("sampler: batch at item %d: %v", summary.NumItems, gantrain.ErrNonFinite)
		}
		if acc != nil {
			if err := acc.Add(images, result.Generated); err != nil {
				klog.Warningf("sampler: batch at item %d excluded from the quality metric: %v", summary.NumItems, err)
			}
		}
		written, err := writeItems(cfg.OutDir, summary.NumItems, result.Generated, images, segmaps)
		_ = result.Generated.FinalizeAll()
		_ = images.FinalizeAll()
		_ = segmaps.FinalizeAll()
		if err != nil {
			return summary, err
		}
		summary.NumItems += written
		if bar != nil {
			_ = bar.Add(written)
		}
	}

	if numLosses > 0 {
		summary.AvgGenLoss = totalGen / float64(numLosses)
		summary.AvgDiscLoss = totalDisc / float64(numLosses)
	} else {
		klog.Warningf("sampler: losses: %v", gantrain.ErrNoData)
	}
	if acc != nil {
		var err error
		if summary.AvgFID, err = acc.Distance(); err != nil {
			klog.Warningf("sampler: fid over %d items: %v", acc.Len(), err)
			summary.AvgFID = math.NaN()
		}
	}
	if cfg.LogsDir != "" {
		if err := metricslog.WriteTest(cfg.LogsDir, summary.Record()); err != nil {
			return summary, err
		}
	}
	klog.Infof("Sampled %d items to %s: fid=%.4g, generator loss=%.4g, discriminator loss=%.4g",
		summary.NumItems, cfg.OutDir, summary.AvgFID, summary.AvgGenLoss, summary.AvgDiscLoss)
	return summary, nil
}

// writeItems writes the three images of each example of the batch, numbered from firstIndex.
// It returns the number of items written.
func writeItems(outDir string, firstIndex int, generated, truth, segmaps *tensors.Tensor) (int, error) {
	roles := []string{RoleGenerated, RoleTruth, RoleSegmap}
	batches := make([][]*image.NRGBA, len(roles))
	for ii, t := range []*tensors.Tensor{generated, truth, segmaps} {
		imgs, err := imageio.ToImages(t)
		if err != nil {
			return 0, errors.WithMessagef(err, "sampler: converting %s images", roles[ii])
		}
		batches[ii] = imgs
	}
	for item := range batches[0] {
		for ii, role := range roles {
			if err := imageio.SavePNG(batches[ii][item], ImagePath(outDir, firstIndex+item, role)); err != nil {
				return item, err
			}
		}
	}
	return len(batches[0]), nil
}
