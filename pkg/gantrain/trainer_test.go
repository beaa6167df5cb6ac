package gantrain

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chekfung/James-TompGAN/internal/gantest"
	"github.com/chekfung/James-TompGAN/models/spade"
	"github.com/chekfung/James-TompGAN/pkg/fid"
	"github.com/chekfung/James-TompGAN/pkg/ganckpt"
	"github.com/chekfung/James-TompGAN/pkg/landscapes"
	"github.com/chekfung/James-TompGAN/pkg/metricslog"
)

const (
	testHeight = 30
	testWidth  = 40
)

func newDataset(t *testing.T, dir string) *landscapes.Dataset {
	ds, err := landscapes.New(landscapes.Config{Dir: dir, BatchSize: 2, Workers: 2, DropIncomplete: true,
		Height: testHeight, Width: testWidth, Shuffle: true, Seed: 1})
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func newTrainer(t *testing.T, ctx *mlctx.Context, disc spade.Model, cfg Config) *Trainer {
	if disc == nil {
		disc = spade.NewDiscriminator(ctx)
	}
	trainer, err := New(gantest.Backend(), ctx, spade.NewGenerator(ctx), disc, cfg)
	require.NoError(t, err)
	t.Cleanup(trainer.Finalize)
	return trainer
}

func newManager(t *testing.T, dir string) *ganckpt.Manager {
	m, err := ganckpt.New(dir).Keep(3).ExcludeScopes("/inceptionv3").Done()
	require.NoError(t, err)
	return m
}

func TestTrainEpochEndToEnd(t *testing.T) {
	dataDir, logsDir, checkpointDir := t.TempDir(), t.TempDir(), t.TempDir()
	gantest.WritePairs(t, dataDir, 4, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	manager := newManager(t, checkpointDir)
	trainer := newTrainer(t, ctx, nil, Config{
		NumEpochs:   1,
		LogEvery:    1,
		SaveEvery:   5,
		FIDEvery:    500,
		LogsDir:     logsDir,
		Perceptual:  spade.PyramidFeatures,
		Metric:      fid.NewEvaluator(fid.DefaultPooledPixels, testHeight, testWidth),
		Checkpoints: manager,
	})

	stats, next, err := trainer.TrainEpoch(context.Background(), 0, newDataset(t, dataDir))
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	assert.Equal(t, 2, stats.Iterations)
	assert.Equal(t, 0, stats.NonFiniteSteps)
	assert.Equal(t, 1, stats.MetricEvaluations, "only iteration 0 evaluates the metric")
	assert.Equal(t, int64(2), trainer.GlobalStep())

	// One checkpoint: the last epoch of the run.
	list, err := manager.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, stats.Checkpoint, list[0])

	records, err := metricslog.ReadTrain(logsDir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	for _, v := range []float64{records[0].FID, records[0].GenLoss, records[0].DiscLoss} {
		assert.True(t, isFinite(v), "metrics log value %g", v)
		assert.GreaterOrEqual(t, v, 0.0)
	}

	_, err = os.Stat(filepath.Join(logsDir, SamplesDirName, "0.png"))
	assert.NoError(t, err)
}

func TestMetricsLogTwoEpochs(t *testing.T) {
	dataDir, logsDir := t.TempDir(), t.TempDir()
	gantest.WritePairs(t, dataDir, 4, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	manager := newManager(t, t.TempDir())
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 2, LogEvery: 7, SaveEvery: 1, FIDEvery: 1, LogsDir: logsDir,
		Metric: fid.NewEvaluator(fid.DefaultPooledPixels, 0, 0), Checkpoints: manager})
	ds := newDataset(t, dataDir)

	epoch := 0
	for epoch < 2 {
		var err error
		_, epoch, err = trainer.TrainEpoch(context.Background(), epoch, ds)
		require.NoError(t, err)
	}

	contents, err := os.ReadFile(filepath.Join(logsDir, metricslog.TrainFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(metricslog.TrainHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,"))
	assert.True(t, strings.HasPrefix(lines[2], "1,"))

	list, err := manager.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, int64(4), trainer.GlobalStep())
}

func TestEmptyEpoch(t *testing.T) {
	logsDir := t.TempDir()
	ctx := gantest.SmallContext(testHeight, testWidth)
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 3, LogEvery: 1, SaveEvery: 1, FIDEvery: 1, LogsDir: logsDir,
		Metric: fid.NewEvaluator(fid.DefaultPooledPixels, 0, 0)})

	stats, next, err := trainer.TrainEpoch(context.Background(), 0, newDataset(t, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	assert.True(t, stats.Empty())
	assert.False(t, stats.HasFID())
	assert.True(t, math.IsNaN(stats.AvgGenLoss))
	assert.True(t, math.IsNaN(stats.AvgDiscLoss))
	assert.True(t, math.IsNaN(stats.AvgFID))

	records, err := metricslog.ReadTrain(logsDir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, math.IsNaN(records[0].GenLoss))
}

func TestCancellation(t *testing.T) {
	dataDir, logsDir := t.TempDir(), t.TempDir()
	gantest.WritePairs(t, dataDir, 4, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	manager := newManager(t, t.TempDir())
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 1, SaveEvery: 1, LogsDir: logsDir, Checkpoints: manager})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, next, err := trainer.TrainEpoch(cancelled, 0, newDataset(t, dataDir))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, next)

	list, err := manager.List()
	require.NoError(t, err)
	assert.Empty(t, list, "no checkpoint for an interrupted epoch")
	_, err = os.Stat(filepath.Join(logsDir, metricslog.TrainFileName))
	assert.True(t, os.IsNotExist(err))
}

// snapshot returns a copy of the values of the trainable variables of m.
func snapshot(ctx *mlctx.Context, m spade.Model) map[string][]float32 {
	values := make(map[string][]float32)
	for _, v := range spade.Parameters(ctx, m) {
		values[v.ParameterName()] = tensors.MustCopyFlatData[float32](v.MustValue())
	}
	return values
}

func countChanged(before, after map[string][]float32) int {
	changed := 0
	for name, values := range before {
		if !assert.ObjectsAreEqual(values, after[name]) {
			changed++
		}
	}
	return changed
}

func TestUpdatesStayInModel(t *testing.T) {
	dataDir := t.TempDir()
	gantest.WritePairs(t, dataDir, 2, testHeight, testWidth)

	for _, frozen := range []string{"gen_learning_rate", "disc_learning_rate"} {
		t.Run(frozen, func(t *testing.T) {
			ctx := gantest.SmallContext(testHeight, testWidth)
			ctx.SetParam(frozen, 0.0)
			trainer := newTrainer(t, ctx, nil, Config{Perceptual: spade.PyramidFeatures})
			ds := newDataset(t, dataDir)
			batch, err := ds.Next()
			require.NoError(t, err)

			// Eval creates the variables without updating them.
			_, err = trainer.Eval(batch.Images, batch.Segmaps)
			require.NoError(t, err)
			genBefore, discBefore := snapshot(ctx, trainer.gen), snapshot(ctx, trainer.disc)
			require.NotEmpty(t, genBefore)
			require.NotEmpty(t, discBefore)

			result, err := trainer.Step(batch.Images, batch.Segmaps)
			require.NoError(t, err)
			require.True(t, result.GenUpdated && result.DiscUpdated)
			genChanged := countChanged(genBefore, snapshot(ctx, trainer.gen))
			discChanged := countChanged(discBefore, snapshot(ctx, trainer.disc))
			if frozen == "gen_learning_rate" {
				assert.Zero(t, genChanged)
				assert.Positive(t, discChanged)
			} else {
				assert.Positive(t, genChanged)
				assert.Zero(t, discChanged)
			}

			// Each optimizer holds 2 moments per variable of its own model only.
			for _, m := range []spade.Model{trainer.gen, trainer.disc} {
				prefix := "/" + OptimizersScope + "/" + m.Scope() + "/"
				numMoments := 0
				for v := range ctx.IterVariables() {
					if strings.HasPrefix(v.Scope()+"/", prefix) && strings.Contains(v.Name(), "_moment") {
						numMoments++
					}
				}
				assert.Equal(t, 2*len(spade.Parameters(ctx, m)), numMoments, "moments of %q", m.Scope())
			}
		})
	}
}

// nanDiscriminator poisons the scores of the discriminator.
type nanDiscriminator struct {
	*spade.Discriminator
}

func (d nanDiscriminator) Forward(ctx *mlctx.Context, inputs ...*Node) *Node {
	scores := d.Discriminator.Forward(ctx, inputs...)
	return Mul(scores, Scalar(scores.Graph(), scores.DType(), math.NaN()))
}

func TestNonFiniteStepsSkipUpdates(t *testing.T) {
	dataDir := t.TempDir()
	gantest.WritePairs(t, dataDir, 4, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	trainer := newTrainer(t, ctx, nanDiscriminator{spade.NewDiscriminator(ctx)},
		Config{NumEpochs: 1, FIDEvery: 1, Metric: fid.NewEvaluator(fid.DefaultPooledPixels, 0, 0)})
	ds := newDataset(t, dataDir)

	batch, err := ds.Next()
	require.NoError(t, err)
	_, err = trainer.Eval(batch.Images, batch.Segmaps)
	require.NoError(t, err)
	genBefore, discBefore := snapshot(ctx, trainer.gen), snapshot(ctx, trainer.disc)

	stats, _, err := trainer.TrainEpoch(context.Background(), 0, ds)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NonFiniteSteps)
	assert.True(t, stats.Empty())
	assert.False(t, stats.HasFID())
	assert.Zero(t, countChanged(genBefore, snapshot(ctx, trainer.gen)))
	assert.Zero(t, countChanged(discBefore, snapshot(ctx, trainer.disc)))
	for _, opt := range []*adam{trainer.genOpt, trainer.discOpt} {
		assert.Equal(t, int64(0), tensors.ToScalar[int64](opt.stepVar(ctx).MustValue()))
	}
}

// moments returns a copy of the Adam moments of the trainable variables of m, creating them if needed.
func moments(ctx *mlctx.Context, opt *adam, m spade.Model) map[string][]float32 {
	values := make(map[string][]float32)
	for _, v := range spade.Parameters(ctx, m) {
		m1, m2 := opt.momentVariables(ctx, v, v.DType())
		for _, mv := range []*mlctx.Variable{m1, m2} {
			values[mv.ScopeAndName()] = tensors.MustCopyFlatData[float32](mv.MustValue())
		}
	}
	return values
}

func TestResumeFromCheckpoint(t *testing.T) {
	dataDir, checkpointDir := t.TempDir(), t.TempDir()
	gantest.WritePairs(t, dataDir, 4, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 1, SaveEvery: 1, Checkpoints: newManager(t, checkpointDir)})
	stats, _, err := trainer.TrainEpoch(context.Background(), 0, newDataset(t, dataDir))
	require.NoError(t, err)
	require.NotEmpty(t, stats.Checkpoint)
	savedStep := trainer.GlobalStep()
	require.Equal(t, int64(2), savedStep)
	savedGen, savedDisc := snapshot(ctx, trainer.gen), snapshot(ctx, trainer.disc)
	savedGenMoments, savedDiscMoments := moments(ctx, trainer.genOpt, trainer.gen), moments(ctx, trainer.discOpt, trainer.disc)

	// Fresh context: the variables are created from the checkpoint as the graphs are built.
	restoredCtx := gantest.SmallContext(testHeight, testWidth)
	manager := newManager(t, checkpointDir)
	info, err := manager.RestoreLatest(restoredCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Epoch)
	assert.Equal(t, savedStep, info.GlobalStep)
	resumed := newTrainer(t, restoredCtx, nil, Config{})
	batch, err := newDataset(t, dataDir).Next()
	require.NoError(t, err)

	_, err = resumed.Eval(batch.Images, batch.Segmaps)
	require.NoError(t, err)
	assert.Equal(t, savedGen, snapshot(restoredCtx, resumed.gen))
	assert.Equal(t, savedDisc, snapshot(restoredCtx, resumed.disc))
	assert.Equal(t, savedGenMoments, moments(restoredCtx, resumed.genOpt, resumed.gen))
	assert.Equal(t, savedDiscMoments, moments(restoredCtx, resumed.discOpt, resumed.disc))

	result, err := resumed.Step(batch.Images, batch.Segmaps)
	require.NoError(t, err)
	require.True(t, result.GenUpdated && result.DiscUpdated)
	assert.Zero(t, manager.Pending(), "every saved variable is claimed by the training step")
	assert.Equal(t, savedStep+1, resumed.GlobalStep())
	for _, opt := range []*adam{resumed.genOpt, resumed.discOpt} {
		assert.Equal(t, savedStep+1, tensors.ToScalar[int64](opt.stepVar(restoredCtx).MustValue()), "adam step of %q", opt.modelScope)
	}
	assert.Positive(t, countChanged(savedGenMoments, moments(restoredCtx, resumed.genOpt, resumed.gen)))
	assert.Positive(t, countChanged(savedDiscMoments, moments(restoredCtx, resumed.discOpt, resumed.disc)))
}

func TestLearningRateChangedAfterRestore(t *testing.T) {
	dataDir, checkpointDir := t.TempDir(), t.TempDir()
	gantest.WritePairs(t, dataDir, 2, testHeight, testWidth)
	ctx := gantest.SmallContext(testHeight, testWidth)
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 1, SaveEvery: 1, Checkpoints: newManager(t, checkpointDir)})
	_, _, err := trainer.TrainEpoch(context.Background(), 0, newDataset(t, dataDir))
	require.NoError(t, err)

	restoredCtx := gantest.SmallContext(testHeight, testWidth)
	_, err = newManager(t, checkpointDir).RestoreLatest(restoredCtx)
	require.NoError(t, err)
	// Set after the restore, as a command-line setting would be.
	restoredCtx.SetParam("gen_learning_rate", 0.0)
	resumed := newTrainer(t, restoredCtx, nil, Config{})
	batch, err := newDataset(t, dataDir).Next()
	require.NoError(t, err)
	_, err = resumed.Eval(batch.Images, batch.Segmaps)
	require.NoError(t, err)
	genBefore, discBefore := snapshot(restoredCtx, resumed.gen), snapshot(restoredCtx, resumed.disc)

	_, err = resumed.Step(batch.Images, batch.Segmaps)
	require.NoError(t, err)
	assert.Zero(t, countChanged(genBefore, snapshot(restoredCtx, resumed.gen)))
	assert.Positive(t, countChanged(discBefore, snapshot(restoredCtx, resumed.disc)))
	lr := resumed.genOpt.learningRateVar(restoredCtx, dtypes.Float32).MustValue()
	assert.Equal(t, float32(0), tensors.ToScalar[float32](lr))
}

// badRankDataset yields a single batch whose segmentation maps lack the channels axis.
type badRankDataset struct {
	yielded         bool
	images, segmaps *tensors.Tensor
}

func (d *badRankDataset) Name() string { return "bad-rank" }
func (d *badRankDataset) Reset() { d.yielded = false }

func (d *badRankDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if d.yielded {
		return nil, nil, nil, io.EOF
	}
	d.yielded = true
	d.images = tensors.FromShape(shapes.Make(dtypes.Float32, 2, testHeight, testWidth, 3))
	d.segmaps = tensors.FromShape(shapes.Make(dtypes.Float32, 2, testHeight, testWidth))
	return nil, []*tensors.Tensor{d.images, d.segmaps}, nil, nil
}

func TestStepErrorFreesBatch(t *testing.T) {
	logsDir := t.TempDir()
	ctx := gantest.SmallContext(testHeight, testWidth)
	trainer := newTrainer(t, ctx, nil, Config{NumEpochs: 1, LogsDir: logsDir})
	data := &badRankDataset{}
	_, next, err := trainer.TrainEpoch(context.Background(), 0, data)
	require.Error(t, err)
	assert.Equal(t, 0, next)
	assert.False(t, data.images.Ok(), "images of the failed step are freed")
	assert.False(t, data.segmaps.Ok(), "segmentation maps of the failed step are freed")
	_, err = os.Stat(filepath.Join(logsDir, metricslog.TrainFileName))
	assert.True(t, os.IsNotExist(err), "a failed epoch is not logged")
}
