// gaugan trains a SPADE generator to synthesize landscape photos from segmentation maps, or,
// with -mode=test, generates samples from the latest checkpoint.
//
// Hyperparameters are set with -set="key=value;..." (see config.CreateDefaultContext for the full list)
// or in a YAML file given with -config.
//
// Example:
//
//	gaugan -train_dir=data/train -checkpoint_dir=~/work/gaugan -set="batch_size=8;num_epochs=50"
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/chekfung/James-TompGAN/models/inceptionv3"
	"github.com/chekfung/James-TompGAN/models/spade"
	"github.com/chekfung/James-TompGAN/pkg/config"
	"github.com/chekfung/James-TompGAN/pkg/fid"
	"github.com/chekfung/James-TompGAN/pkg/ganckpt"
	"github.com/chekfung/James-TompGAN/pkg/gantrain"
	"github.com/chekfung/James-TompGAN/pkg/landscapes"
	"github.com/chekfung/James-TompGAN/pkg/monitor"
	"github.com/chekfung/James-TompGAN/pkg/sampler"
)

var (
	flagMode          = flag.String("mode", "train", `"train" or "test".`)
	flagTrainDir      = flag.String("train_dir", "", "Directory with the training pairs: <id>.jpg and <id>_seg.png.")
	flagTestDir       = flag.String("test_dir", "", "Directory with the evaluation pairs, used with -mode=test.")
	flagOutDir        = flag.String("out_dir", "output", "Directory where samples are written in -mode=test.")
	flagLogsDir       = flag.String("logs_dir", "logs", "Directory for the metrics logs and the per-epoch samples.")
	flagCheckpointDir = flag.String("checkpoint_dir", "checkpoints", "Directory to save and restore checkpoints.")
	flagInceptionDir  = flag.String("inception_dir", "",
		"Directory with the unpacked InceptionV3 weights. If empty, the quality metric uses pooled pixels and the "+
			"perceptual loss an image pyramid.")
	flagRestore     = flag.Bool("restore", false, "Restore the latest checkpoint and continue training from the epoch after it.")
	flagBackend     = flag.String("backend", "", `Backend configuration, e.g. "xla:cuda", "xla:cpu" or "go". Defaults to $GOMLX_BACKEND.`)
	flagConfig      = flag.String("config", "", "YAML configuration file. Flags take precedence over it.")
	flagMetricsAddr = flag.String("metrics_addr", "", `Address to serve Prometheus metrics on, e.g. ":9090". Disabled if empty.`)
	flagProgress    = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	ctx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := newConfig(ctx, *settings)
	if err != nil {
		klog.Exitf("Invalid configuration: %+v", err)
	}
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = exceptions.TryCatch[error](func() { must.M(run(runCtx, cfg)) })
	if err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Warningf("Interrupted: %v", err)
		} else {
			klog.Errorf("Failed: %+v", err)
		}
		klog.Flush()
		os.Exit(1)
	}
}

// newConfig merges the configuration file, the flags and the -set hyperparameters, and creates the backend.
func newConfig(ctx *mlctx.Context, settings string) (*config.Config, error) {
	paths := config.Paths{
		TrainDir:      *flagTrainDir,
		TestDir:       *flagTestDir,
		OutDir:        *flagOutDir,
		LogsDir:       *flagLogsDir,
		CheckpointDir: *flagCheckpointDir,
		InceptionDir:  *flagInceptionDir,
	}
	mode, restore := *flagMode, *flagRestore
	var paramsSet []string
	if *flagConfig != "" {
		file, err := config.LoadFile(*flagConfig)
		if err != nil {
			return nil, err
		}
		explicit := explicitFlags()
		if !explicit["mode"] && file.Mode != "" {
			mode = file.Mode
		}
		restore = restore || file.Restore
		paths = file.Merge(paths)
		if paramsSet, err = file.ApplyParams(ctx); err != nil {
			return nil, err
		}
	}
	flagParams, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, errors.Wrapf(config.ErrInvalid, "-set=%q: %v", settings, err)
	}
	paramsSet = append(paramsSet, flagParams...)
	runMode, err := config.ParseRunMode(mode)
	if err != nil {
		return nil, err
	}

	if *flagBackend != "" {
		if err = os.Setenv("GOMLX_BACKEND", *flagBackend); err != nil {
			return nil, errors.Wrap(err, "setting the backend configuration")
		}
	}
	var backend backends.Backend
	err = exceptions.TryCatch[error](func() { backend = must.M1(backends.New()) })
	if err != nil {
		return nil, errors.WithMessage(err, "creating backend")
	}
	return config.New(backend, ctx, runMode, paths, restore, paramsSet)
}

// explicitFlags returns the names of the flags set in the command line.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// run restores the checkpoint if requested and dispatches on the run mode.
func run(ctx context.Context, cfg *config.Config) error {
	klog.Infof("Run %s: mode=%s, backend=%s", cfg.RunID, cfg.Mode, cfg.Backend.Name())
	mon := monitor.New(cfg.RunID)
	if *flagMetricsAddr != "" {
		go func() {
			if err := mon.Serve(ctx, *flagMetricsAddr); err != nil {
				klog.Errorf("Metrics server: %+v", err)
			}
		}()
	}

	excludedParams := slices.Concat(config.ParamsExcludedFromLoading, cfg.ParamsSet)
	manager, err := ganckpt.New(cfg.Paths.CheckpointDir).
		Keep(cfg.KeepCheckpoints).
		RunID(cfg.RunID).
		ExcludeScopes(mlctx.ScopeSeparator + inceptionv3.Scope).
		ExcludeParams(excludedParams...).
		Done()
	if err != nil {
		return err
	}
	var restored *ganckpt.Info
	if cfg.Restore {
		info, err := manager.RestoreLatest(cfg.Context)
		if err != nil {
			return errors.WithMessagef(err, "restore requested from %q", cfg.Paths.CheckpointDir)
		}
		restored = &info
		klog.Infof("Restored %s (epoch %d, global step %d)", info.BaseName, info.Epoch, info.GlobalStep)
		if err = cfg.LoadParams(); err != nil {
			return errors.WithMessage(err, "hyperparameters restored from checkpoint")
		}
	} else if cfg.RngSeed != 0 {
		if err = cfg.Context.SetRNGStateFromSeed(cfg.RngSeed); err != nil {
			return errors.WithMessage(err, "seeding the random number generator")
		}
	}
	klog.Infof("Hyperparameters set: %s", commandline.SprintModifiedContextSettings(cfg.Context, cfg.ParamsSet))

	gen, disc := spade.NewGenerator(cfg.Context), spade.NewDiscriminator(cfg.Context)
	klog.Infof("Models: %s; %s", gen, disc)
	perceptual, metric, err := qualityComponents(cfg)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case config.RunTrain:
		startEpoch := 0
		if restored != nil {
			startEpoch = restored.Epoch + 1
		}
		trainCfg := gantrain.ConfigFrom(cfg)
		trainCfg.Perceptual, trainCfg.Metric = perceptual, metric
		trainCfg.Checkpoints, trainCfg.Monitor = manager, mon
		trainCfg.ShowProgress = *flagProgress
		return train(ctx, cfg, gen, disc, trainCfg, startEpoch)

	case config.RunEvaluate:
		data, err := landscapes.New(landscapes.Config{
			Dir:       cfg.Paths.TestDir,
			BatchSize: cfg.EvalBatchSize,
			Workers:   cfg.NumWorkers,
			Height:    cfg.ImageHeight,
			Width:     cfg.ImageWidth,
		})
		if err != nil {
			return err
		}
		defer data.Close()
		_, err = sampler.Run(ctx, cfg.Backend, cfg.Context, gen, disc, data, sampler.Config{
			OutDir:       cfg.Paths.OutDir,
			LogsDir:      cfg.Paths.LogsDir,
			Checkpoint:   restored,
			Perceptual:   perceptual,
			Metric:       metric,
			ShowProgress: *flagProgress,
		})
		return err
	}
	return errors.Errorf("run mode %s not implemented", cfg.Mode)
}

// train runs the epochs from startEpoch to the configured number of epochs.
func train(ctx context.Context, cfg *config.Config, gen, disc spade.Model, trainCfg gantrain.Config, startEpoch int) error {
	if startEpoch >= cfg.NumEpochs {
		klog.Infof("Nothing to train: start epoch %d >= num_epochs=%d", startEpoch, cfg.NumEpochs)
		return nil
	}
	seed := uint64(cfg.RngSeed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	data, err := landscapes.New(landscapes.Config{
		Dir:            cfg.Paths.TrainDir,
		BatchSize:      cfg.BatchSize,
		Workers:        cfg.NumWorkers,
		DropIncomplete: cfg.DropIncompleteBatch,
		Height:         cfg.ImageHeight,
		Width:          cfg.ImageWidth,
		Shuffle:        true,
		Seed:           seed,
	})
	if err != nil {
		return err
	}
	defer data.Close()
	klog.Infof("Training on %d pairs (%d batches per epoch) from epoch %d to %d",
		data.NumPairs(), data.NumBatches(), startEpoch, cfg.NumEpochs-1)

	trainer, err := gantrain.New(cfg.Backend, cfg.Context, gen, disc, trainCfg)
	if err != nil {
		return err
	}
	defer trainer.Finalize()
	for epoch := startEpoch; epoch < cfg.NumEpochs; {
		if _, epoch, err = trainer.TrainEpoch(ctx, epoch, data); err != nil {
			return err
		}
	}
	return nil
}

// qualityComponents returns the perceptual feature function of the generator loss and the quality metric:
// InceptionV3 based if -inception_dir is given, weight-free fallbacks otherwise.
func qualityComponents(cfg *config.Config) (spade.FeatureFn, *fid.Evaluator, error) {
	height := mlctx.GetParamOr(cfg.Context, "fid_image_height", cfg.ImageHeight)
	width := mlctx.GetParamOr(cfg.Context, "fid_image_width", cfg.ImageWidth)
	if cfg.Paths.InceptionDir == "" {
		klog.Warningf("No -inception_dir given: the FID is computed on %s features, and it is not comparable "+
			"with published values", fid.DefaultPooledPixels.Name())
		return spade.PyramidFeatures, fid.NewEvaluator(fid.DefaultPooledPixels, height, width), nil
	}
	model, err := inceptionv3.New(cfg.Paths.InceptionDir)
	if err != nil {
		return nil, nil, err
	}
	extractor, err := inceptionv3.NewExtractor(cfg.Backend, cfg.Paths.InceptionDir)
	if err != nil {
		return nil, nil, err
	}
	return model.PerceptualFeatures, fid.NewEvaluator(extractor, height, width), nil
}
