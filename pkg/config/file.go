package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the YAML configuration file format:
//
//	mode: train
//	paths:
//	  train_dir: ./data/landscape_data/train
//	  checkpoint_dir: ./checkpoints
//	params:
//	  batch_size: 8
//	  gen_learning_rate: 1e-4
//
// Values in the command line take precedence over values in the file.
type File struct {
	Mode    string         `yaml:"mode"`
	Restore bool           `yaml:"restore"`
	Paths   Paths          `yaml:"paths"`
	Params  map[string]any `yaml:"params"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(filePath string) (*File, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", filePath)
	}
	f := &File{}
	if err = yaml.Unmarshal(contents, f); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "failed to parse configuration file %q: %v", filePath, err)
	}
	return f, nil
}

// ApplyParams sets the file's hyperparameters in ctx, using the same parsing as the -set flag,
// so values are converted to the type of the default value.
// It returns the list of parameters set.
func (f *File) ApplyParams(ctx *context.Context) (paramsSet []string, err error) {
	if len(f.Params) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(f.Params))
	for key := range f.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	settings := make([]string, 0, len(keys))
	for _, key := range keys {
		settings = append(settings, fmt.Sprintf("%s=%s", key, yamlValueToSetting(f.Params[key])))
	}
	paramsSet, err = commandline.ParseContextSettings(ctx, strings.Join(settings, ";"))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "configuration file params: %v", err)
	}
	return paramsSet, nil
}

// Merge fills the empty fields of paths with the ones from the file.
func (f *File) Merge(paths Paths) Paths {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&paths.TrainDir, f.Paths.TrainDir)
	fill(&paths.TestDir, f.Paths.TestDir)
	fill(&paths.OutDir, f.Paths.OutDir)
	fill(&paths.LogsDir, f.Paths.LogsDir)
	fill(&paths.CheckpointDir, f.Paths.CheckpointDir)
	fill(&paths.InceptionDir, f.Paths.InceptionDir)
	return paths
}

// yamlValueToSetting renders a decoded YAML value in the "-set" format: lists are comma-separated.
func yamlValueToSetting(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, len(v))
		for ii, e := range v {
			parts[ii] = fmt.Sprint(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}
