// Package config holds the configuration of a GauGAN run: paths, mode and the hyperparameters
// stored in the context.Context.
package config

import (
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalid is returned (wrapped) for any invalid configuration value.
var ErrInvalid = errors.New("invalid configuration")

// RunMode selects what a run does. It is parsed once at startup.
type RunMode int

const (
	RunTrain RunMode = iota
	RunEvaluate
)

// String implements fmt.Stringer.
func (m RunMode) String() string {
	switch m {
	case RunTrain:
		return "train"
	case RunEvaluate:
		return "test"
	}
	return "unknown"
}

// ParseRunMode accepts "train" and "test" (or "eval"/"evaluate").
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train", "":
		return RunTrain, nil
	case "test", "eval", "evaluate":
		return RunEvaluate, nil
	}
	return 0, errors.Wrapf(ErrInvalid, "unknown mode %q, valid values are \"train\" or \"test\"", s)
}

// Paths used by a run.
type Paths struct {
	TrainDir      string `yaml:"train_dir"`
	TestDir       string `yaml:"test_dir"`
	OutDir        string `yaml:"out_dir"`
	LogsDir       string `yaml:"logs_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`

	// InceptionDir holds the unpacked InceptionV3 weights. If empty, a pooled-pixels
	// feature extractor is used for the quality metric.
	InceptionDir string `yaml:"inception_dir"`
}

// Config holds the configuration for all operations of a run.
// See New.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Root scope.

	// ParamsSet are hyperparameters overridden by the user, that should not be loaded from a checkpoint.
	ParamsSet []string

	RunID   string
	Mode    RunMode
	Paths   Paths
	Restore bool

	DType                     dtypes.DType
	ImageHeight, ImageWidth   int
	BatchSize, EvalBatchSize  int
	NumWorkers, NumEpochs     int
	ZDim                      int
	LogEvery, SaveEvery       int
	FIDEvery, KeepCheckpoints int
	DropIncompleteBatch       bool
	RngSeed                   int64
}

// New creates a validated configuration.
//
// paramsSet are hyperparameters overridden, that it should not load from the checkpoint
// (see commandline.ParseContextSettings).
//
// Directories are created as needed, except the input data directories, which must exist.
func New(backend backends.Backend, ctx *context.Context, mode RunMode, paths Paths, restore bool, paramsSet []string) (*Config, error) {
	cfg := &Config{
		Backend:   backend,
		Context:   ctx,
		ParamsSet: paramsSet,
		RunID:     uuid.NewString(),
		Mode:      mode,
		Restore:   restore || mode == RunEvaluate,
	}
	if err := cfg.LoadParams(); err != nil {
		return nil, err
	}
	var err error
	if cfg.Paths, err = resolvePaths(mode, paths); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadParams reads and validates the hyperparameters from the context.
// It is called again after restoring a checkpoint, since it may change them.
func (c *Config) LoadParams() error {
	ctx := c.Context
	c.ImageHeight = context.GetParamOr(ctx, "image_height", 96)
	c.ImageWidth = context.GetParamOr(ctx, "image_width", 128)
	c.BatchSize = context.GetParamOr(ctx, "batch_size", 16)
	c.EvalBatchSize = context.GetParamOr(ctx, "eval_batch_size", 1)
	c.NumWorkers = context.GetParamOr(ctx, "num_data_threads", 8)
	c.NumEpochs = context.GetParamOr(ctx, "num_epochs", 200)
	c.ZDim = context.GetParamOr(ctx, "z_dim", 64)
	c.LogEvery = context.GetParamOr(ctx, "log_every", 7)
	c.SaveEvery = context.GetParamOr(ctx, "save_every", 5)
	c.FIDEvery = context.GetParamOr(ctx, "fid_every", 500)
	c.KeepCheckpoints = context.GetParamOr(ctx, "keep_checkpoints", 3)
	c.DropIncompleteBatch = context.GetParamOr(ctx, "drop_incomplete_batch", true)
	c.RngSeed = int64(context.GetParamOr(ctx, "rng_seed", 0))

	var err error
	c.DType, err = dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return errors.Wrapf(ErrInvalid, "hyperparameter dtype: %v", err)
	}
	if !c.DType.IsFloat() {
		return errors.Wrapf(ErrInvalid, "hyperparameter dtype must be a float, got %s", c.DType)
	}

	positives := []struct {
		name  string
		value int
	}{
		{"image_height", c.ImageHeight}, {"image_width", c.ImageWidth},
		{"batch_size", c.BatchSize}, {"eval_batch_size", c.EvalBatchSize},
		{"num_data_threads", c.NumWorkers}, {"z_dim", c.ZDim},
		{"log_every", c.LogEvery}, {"save_every", c.SaveEvery},
		{"fid_every", c.FIDEvery}, {"keep_checkpoints", c.KeepCheckpoints},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return errors.Wrapf(ErrInvalid, "hyperparameter %s must be > 0, got %d", p.name, p.value)
		}
	}
	if c.NumEpochs < 0 {
		return errors.Wrapf(ErrInvalid, "hyperparameter num_epochs must be >= 0, got %d", c.NumEpochs)
	}
	switch lossType := context.GetParamOr(ctx, "gan_loss", "bce"); lossType {
	case "bce", "hinge":
	default:
		return errors.Wrapf(ErrInvalid, "hyperparameter gan_loss must be \"bce\" or \"hinge\", got %q", lossType)
	}
	switch terms := context.GetParamOr(ctx, "gan_loss_terms", "full"); terms {
	case "full", "adversarial":
	default:
		return errors.Wrapf(ErrInvalid, "hyperparameter gan_loss_terms must be \"full\" or \"adversarial\", got %q", terms)
	}
	return nil
}

// resolvePaths expands "~", checks input directories exist and creates output directories.
func resolvePaths(mode RunMode, paths Paths) (Paths, error) {
	var err error
	for _, p := range []*string{&paths.TrainDir, &paths.TestDir, &paths.OutDir, &paths.LogsDir,
		&paths.CheckpointDir, &paths.InceptionDir} {
		if *p == "" {
			continue
		}
		if *p, err = fsutil.ReplaceTildeInDir(*p); err != nil {
			return paths, errors.Wrapf(ErrInvalid, "path %q: %v", *p, err)
		}
	}

	inputDir, inputName := paths.TrainDir, "train_dir"
	if mode == RunEvaluate {
		inputDir, inputName = paths.TestDir, "test_dir"
	}
	if inputDir == "" {
		return paths, errors.Wrapf(ErrInvalid, "-%s must be given for mode %q", inputName, mode)
	}
	if info, statErr := os.Stat(inputDir); statErr != nil || !info.IsDir() {
		return paths, errors.Wrapf(ErrInvalid, "-%s=%q is not a readable directory", inputName, inputDir)
	}
	if paths.InceptionDir != "" {
		if exists, _ := fsutil.FileExists(paths.InceptionDir); !exists {
			return paths, errors.Wrapf(ErrInvalid, "-inception_dir=%q does not exist", paths.InceptionDir)
		}
	}

	for _, dir := range []struct{ name, path string }{
		{"out_dir", paths.OutDir}, {"logs_dir", paths.LogsDir}, {"checkpoint_dir", paths.CheckpointDir},
	} {
		if dir.path == "" {
			return paths, errors.Wrapf(ErrInvalid, "-%s must be given", dir.name)
		}
		if err = os.MkdirAll(dir.path, 0777); err != nil {
			return paths, errors.Wrapf(ErrInvalid, "failed to create -%s=%q: %v", dir.name, dir.path, err)
		}
	}
	return paths, nil
}

// IsExcludedFromLoading returns whether a hyperparameter should keep its current value when
// restoring a checkpoint.
func (c *Config) IsExcludedFromLoading(key string) bool {
	for _, k := range ParamsExcludedFromLoading {
		if k == key {
			return true
		}
	}
	for _, k := range c.ParamsSet {
		if k == key {
			return true
		}
	}
	return false
}
