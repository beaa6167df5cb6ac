// Package gantrain implements the adversarial training of a generator and a discriminator.
//
// Each step runs one compiled graph that generates images from fresh noise, scores real and generated
// images, computes both losses from the same outputs and applies one Adam update per model. Gradients
// of the generator loss only reach the generator variables, and the ones of the discriminator loss
// only the discriminator variables. Each model has its own optimizer state, learning rate and step counter.
//
// A model update is applied only if its loss and all its gradients are finite. Otherwise its variables and
// optimizer state are left untouched, and the step is reported with ErrNonFinite.
package gantrain

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/chekfung/James-TompGAN/models/spade"
	"github.com/chekfung/James-TompGAN/pkg/config"
	"github.com/chekfung/James-TompGAN/pkg/fid"
	"github.com/chekfung/James-TompGAN/pkg/ganckpt"
	"github.com/chekfung/James-TompGAN/pkg/metricslog"
	"github.com/chekfung/James-TompGAN/pkg/monitor"
)

var (
	// ErrNonFinite is reported when a loss or a gradient is NaN or infinite. The update of the affected model is skipped.
	ErrNonFinite = errors.New("gantrain: non-finite loss or gradient")

	// ErrNoData is reported when an epoch had no successful iterations or metric evaluations to average.
	ErrNoData = errors.New("gantrain: no data to average")
)

// SamplesDirName is the sub-directory of the logs directory where the first generated image of each epoch is saved.
const SamplesDirName = "generated_samples"

// Config of the Trainer. Zero values for the cadences disable the corresponding feature.
type Config struct {
	// NumEpochs of the run: the last epoch (NumEpochs-1) is always checkpointed.
	NumEpochs int

	// LogEvery, SaveEvery and FIDEvery are the loss logging cadence (iterations), the checkpoint
	// cadence (epochs) and the quality metric cadence (iterations).
	LogEvery, SaveEvery, FIDEvery int

	// LogsDir where the metrics log and the per-epoch samples are written. If empty, nothing is written.
	LogsDir string

	// Perceptual extracts the features for the perceptual term of the generator loss.
	// If nil, the term is skipped.
	Perceptual spade.FeatureFn

	// Metric evaluates the quality of the generated images. If nil, the FID is never evaluated.
	Metric *fid.Evaluator

	// Checkpoints manager. If nil, no checkpoints are saved.
	Checkpoints *ganckpt.Manager

	// Monitor exports the progress. Optional.
	Monitor *monitor.Monitor

	// ShowProgress displays a progress bar per epoch.
	ShowProgress bool
}

// ConfigFrom creates a Config with the cadences from the run configuration. The caller sets
// the optional components (Perceptual, Metric, Checkpoints, Monitor).
func ConfigFrom(c *config.Config) Config {
	return Config{
		NumEpochs:    c.NumEpochs,
		LogEvery:     c.LogEvery,
		SaveEvery:    c.SaveEvery,
		FIDEvery:     c.FIDEvery,
		LogsDir:      c.Paths.LogsDir,
		ShowProgress: true,
	}
}

// EpochStats summarizes one training epoch.
type EpochStats struct {
	Epoch int

	// Averages over the successful iterations (AvgGenLoss, AvgDiscLoss) and over the successful
	// metric evaluations (AvgFID). They are NaN if there was nothing to average.
	AvgFID, AvgGenLoss, AvgDiscLoss float64

	// Iterations is the number of steps that updated both models.
	Iterations        int
	MetricEvaluations int
	SkippedBatches    int
	NonFiniteSteps    int

	// Checkpoint is the base name of the checkpoint saved at the end of the epoch, if any.
	Checkpoint string
	Elapsed    time.Duration
}

// Empty returns whether there were no successful iterations in the epoch.
func (s EpochStats) Empty() bool { return s.Iterations == 0 }

// HasFID returns whether the quality metric was evaluated successfully at least once in the epoch.
func (s EpochStats) HasFID() bool { return s.MetricEvaluations > 0 }

// Record returns the row of the train metrics log.
func (s EpochStats) Record() metricslog.Record {
	return metricslog.Record{Epoch: s.Epoch, FID: s.AvgFID, GenLoss: s.AvgGenLoss, DiscLoss: s.AvgDiscLoss}
}

// String implements fmt.Stringer.
func (s EpochStats) String() string {
	return fmt.Sprintf("epoch %d: fid=%.4g, generator loss=%.4g, discriminator loss=%.4g (%d iterations, %d skipped, %d non-finite)",
		s.Epoch, s.AvgFID, s.AvgGenLoss, s.AvgDiscLoss, s.Iterations, s.SkippedBatches, s.NonFiniteSteps)
}

// average returns total/count, or NaN if count is 0.
func average(total float64, count int) float64 {
	if count == 0 {
		return math.NaN()
	}
	return total / float64(count)
}
