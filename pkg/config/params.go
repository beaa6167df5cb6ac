package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
)

var (
	// ParamsExcludedFromLoading is the list of hyperparameters (see CreateDefaultContext) that are never
	// overwritten by values stored in a checkpoint.
	//
	// These are appended to the list of settings given in the command line in the flag -set.
	ParamsExcludedFromLoading = []string{
		"num_epochs", "num_data_threads", "log_every", "save_every", "keep_checkpoints", "eval_batch_size",
	}
)

// CreateDefaultContext sets the context with default hyperparameters.
//
// The defaults follow the original GauGAN landscapes training program.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Data and batching.
		"batch_size":            16,
		"eval_batch_size":       1,
		"num_data_threads":      8,
		"drop_incomplete_batch": true,
		"image_height":          96,
		"image_width":           128,

		// Training length and cadences.
		"num_epochs":       200,
		"log_every":        7,   // Log losses every that many iterations.
		"save_every":       5,   // Checkpoint every that many epochs. The last epoch is always saved.
		"fid_every":        500, // Evaluate the FID every that many iterations, starting at iteration 0.
		"keep_checkpoints": 3,

		// dtype used by the models.
		"dtype": "float32",

		// rng_seed, if not 0, makes noise and initialization deterministic.
		"rng_seed": 0,

		// Generator.
		"z_dim":             64,
		"gen_base_channels": 256, // Channels of the first (smallest) stage.
		"gen_num_blocks":    4,   // Number of SPADE residual blocks, each doubling the resolution.
		"spade_hidden":      64,  // Hidden channels of the SPADE modulation network.

		// Discriminator.
		"disc_base_channels": 32,
		"disc_num_layers":    3,

		// Losses.
		"gan_loss":       "bce",  // "bce" or "hinge".
		"gan_loss_terms": "full", // "full" (adversarial + perceptual + l1) or "adversarial".
		"lambda_vgg":     1.0,    // Weight of the perceptual feature loss.
		"lambda_l1":      0.0,    // Weight of the L1 reconstruction loss. Disabled if 0.

		// Optimizers: one Adam per model.
		"gen_learning_rate":  2e-4,
		"disc_learning_rate": 3e-4,
		"adam_beta1":         0.0,
		"adam_beta2":         0.999,
		"adam_epsilon":       1e-7,

		// Quality metric: images are resized to this before feature extraction.
		"fid_image_height": 96,
		"fid_image_width":  128,
	})
	return ctx
}
