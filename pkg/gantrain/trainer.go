package gantrain

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/chekfung/James-TompGAN/models/spade"
	"github.com/chekfung/James-TompGAN/pkg/imageio"
	"github.com/chekfung/James-TompGAN/pkg/landscapes"
	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

// Trainer trains a generator and a discriminator, one epoch at a time.
// It is not safe for concurrent use.
type Trainer struct {
	backend   backends.Backend
	ctx       *mlctx.Context
	gen, disc spade.Model
	cfg       Config
	zDim      int

	genOpt, discOpt    *adam
	stepExec, evalExec *mlctx.Exec
}

// New creates a Trainer for the models gen and disc, with variables (and hyperparameters) in ctx.
// Graphs are compiled on first use, and again for each new batch shape.
func New(backend backends.Backend, ctx *mlctx.Context, gen, disc spade.Model, cfg Config) (*Trainer, error) {
	t := &Trainer{
		backend: backend,
		ctx:     ctx,
		gen:     gen,
		disc:    disc,
		cfg:     cfg,
		zDim:    mlctx.GetParamOr(ctx, "z_dim", 64),
		genOpt:  newAdam(ctx, gen.Scope(), "gen_learning_rate", 2e-4),
		discOpt: newAdam(ctx, disc.Scope(), "disc_learning_rate", 3e-4),
	}
	if t.zDim <= 0 {
		return nil, errors.Errorf("gantrain: z_dim must be > 0, got %d", t.zDim)
	}
	var err error
	if t.stepExec, err = mlctx.NewExec(backend, ctx, t.stepGraph); err != nil {
		return nil, errors.WithMessage(err, "gantrain: creating training step")
	}
	if t.evalExec, err = mlctx.NewExec(backend, ctx, t.evalGraph); err != nil {
		return nil, errors.WithMessage(err, "gantrain: creating evaluation step")
	}
	return t, nil
}

// Finalize frees the compiled graphs.
func (t *Trainer) Finalize() {
	t.stepExec.Finalize()
	t.evalExec.Finalize()
}

// GlobalStep returns the number of training steps executed so far, including the ones restored from a checkpoint.
func (t *Trainer) GlobalStep() int64 {
	return optimizers.GetGlobalStep(t.ctx)
}

// TrainEpoch trains one pass over data, for the given epoch index. It returns the epoch summary and
// the index of the next epoch.
//
// The quality metric is evaluated when iteration % FIDEvery == 0. A checkpoint is saved at the end if
// epoch % SaveEvery == 0 or it is the last epoch of the run, and a row is added to the metrics log.
//
// Cancellation of ctx is checked between iterations: an interrupted epoch returns the context error,
// wrapped, with the same epoch index, and it is neither logged nor checkpointed.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, data train.Dataset) (EpochStats, int, error) {
	start := time.Now()
	stats := EpochStats{Epoch: epoch}
	t.cfg.Monitor.StartEpoch(epoch)
	data.Reset()
	bar := t.newProgressBar(epoch, data)

	var totalGen, totalDisc, totalFID float64
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			finishProgressBar(bar)
			return stats, epoch, errors.WithMessagef(err, "gantrain: epoch %d interrupted after %d iterations", epoch, iteration)
		}
		_, inputs, _, err := data.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			if landscapes.IsDataError(err) {
				klog.Warningf("epoch %d: skipping batch: %v", epoch, err)
				stats.SkippedBatches++
				t.cfg.Monitor.SkippedBatch()
				continue
			}
			finishProgressBar(bar)
			return stats, epoch, errors.WithMessagef(err, "gantrain: reading %q", data.Name())
		}
		images, segmaps := inputs[0], inputs[1]

		stepStart := time.Now()
		result, err := t.Step(images, segmaps)
		if err != nil {
			finalizeAll(images, segmaps)
			finishProgressBar(bar)
			return stats, epoch, err
		}
		ok := result.GenUpdated && result.DiscUpdated
		t.cfg.Monitor.ObserveStep(result.GenLoss, result.DiscLoss, ok, time.Since(stepStart))
		if ok {
			totalGen += result.GenLoss
			totalDisc += result.DiscLoss
			stats.Iterations++
		} else {
			stats.NonFiniteSteps++
			klog.Warningf("epoch %d, iteration %d: %v (generator loss=%g updated=%v, discriminator loss=%g updated=%v)",
				epoch, iteration, ErrNonFinite, result.GenLoss, result.GenUpdated, result.DiscLoss, result.DiscUpdated)
		}

		if iteration == 0 {
			t.saveSample(epoch, result.Generated)
		}
		if t.cfg.LogEvery > 0 && iteration%t.cfg.LogEvery == 0 {
			klog.Infof("epoch %d, iteration %d: generator loss=%.4f, discriminator loss=%.4f",
				epoch, iteration, result.GenLoss, result.DiscLoss)
		}
		if t.cfg.Metric != nil && t.cfg.FIDEvery > 0 && iteration%t.cfg.FIDEvery == 0 {
			value, err := t.cfg.Metric.Evaluate(images, result.Generated)
			t.cfg.Monitor.ObserveFID(value, err)
			if err != nil {
				klog.Warningf("epoch %d, iteration %d: quality metric excluded: %v", epoch, iteration, err)
			} else {
				klog.V(1).Infof("epoch %d, iteration %d: fid=%.4f", epoch, iteration, value)
				totalFID += value
				stats.MetricEvaluations++
			}
		}

		finalizeAll(result.Generated, images, segmaps)
		iteration++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	finishProgressBar(bar)

	stats.AvgGenLoss = average(totalGen, stats.Iterations)
	stats.AvgDiscLoss = average(totalDisc, stats.Iterations)
	stats.AvgFID = average(totalFID, stats.MetricEvaluations)
	if stats.Empty() {
		klog.Warningf("epoch %d: losses: %v (%d skipped batches, %d non-finite steps)",
			epoch, ErrNoData, stats.SkippedBatches, stats.NonFiniteSteps)
	}
	if !stats.HasFID() {
		klog.Warningf("epoch %d: fid: %v", epoch, ErrNoData)
	}

	if t.cfg.LogsDir != "" {
		if err := metricslog.AppendTrain(t.cfg.LogsDir, stats.Record()); err != nil {
			return stats, epoch, err
		}
	}
	if t.shouldSave(epoch) {
		name, err := t.cfg.Checkpoints.Save(t.ctx, epoch, t.GlobalStep())
		if err != nil {
			return stats, epoch, errors.WithMessagef(err, "gantrain: checkpoint of epoch %d", epoch)
		}
		stats.Checkpoint = name
		t.cfg.Monitor.CheckpointSaved()
	}
	stats.Elapsed = time.Since(start)
	klog.Infof("%s, %s global steps, in %s", stats, humanize.Comma(t.GlobalStep()), stats.Elapsed.Round(time.Millisecond))
	return stats, epoch + 1, nil
}

// shouldSave returns whether a checkpoint is saved at the end of the epoch.
func (t *Trainer) shouldSave(epoch int) bool {
	if t.cfg.Checkpoints == nil {
		return false
	}
	if t.cfg.NumEpochs > 0 && epoch == t.cfg.NumEpochs-1 {
		return true
	}
	return t.cfg.SaveEvery > 0 && epoch%t.cfg.SaveEvery == 0
}

// saveSample writes the first generated image to <logs>/generated_samples/<epoch>.png.
// Failures are only logged.
func (t *Trainer) saveSample(epoch int, generated *tensors.Tensor) {
	if t.cfg.LogsDir == "" {
		return
	}
	imgs, err := imageio.ToImages(generated)
	if err != nil || len(imgs) == 0 {
		klog.Warningf("epoch %d: failed to convert generated sample: %v", epoch, err)
		return
	}
	filePath := filepath.Join(t.cfg.LogsDir, SamplesDirName, fmt.Sprintf("%d.png", epoch))
	if err = imageio.SavePNG(imgs[0], filePath); err != nil {
		klog.Warningf("epoch %d: %v", epoch, err)
	}
}

// newProgressBar returns nil if progress is not displayed. If the number of batches is not known,
// the progress bar is a spinner.
func (t *Trainer) newProgressBar(epoch int, data train.Dataset) *progressbar.ProgressBar {
	if !t.cfg.ShowProgress {
		return nil
	}
	total := -1
	if sized, ok := data.(interface{ NumBatches() int }); ok && sized.NumBatches() > 0 {
		total = sized.NumBatches()
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
}

func finishProgressBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}

// finalizeAll frees the tensors owned by the caller. nil tensors are skipped.
func finalizeAll(ts ...*tensors.Tensor) {
	for _, x := range ts {
		if x != nil {
			_ = x.FinalizeAll()
		}
	}
}

// isFinite returns whether v is neither NaN nor infinite.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
