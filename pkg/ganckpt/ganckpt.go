// Package ganckpt saves and restores the full training state of the GAN (both models' variables, their optimizer
// state, the hyperparameters, the epoch index and the global step) as one atomic checkpoint.
//
// Each checkpoint is a pair of files in the checkpoint directory:
//
//	checkpoint-n0000003-step-00001234.bin   raw (optionally gzip'ed) variable values
//	checkpoint-n0000003-step-00001234.json  index: variables, params, epoch, step
//
// Both are first written to temporary names and synced; the rename of the ".json" file commits the checkpoint.
// A checkpoint without a committed ".json" is never restored, and leftovers are removed on startup. The file
// "latest" names the last committed checkpoint. Only the most recent checkpoints are kept.
package ganckpt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNotFound is returned by Manager.RestoreLatest when there is no committed checkpoint.
var ErrNotFound = errors.New("ganckpt: no checkpoint found")

const (
	baseNamePrefix = "checkpoint-"
	jsonSuffix     = ".json"
	binSuffix      = ".bin"
	tmpSuffix      = ".tmp"

	// LatestFileName is the name of the file pointing to the last committed checkpoint.
	LatestFileName = "latest"
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// Info describes a saved or restored checkpoint.
type Info struct {
	BaseName     string
	Epoch        int
	GlobalStep   int64
	RunID        string
	SavedAt      time.Time
	NumVariables int
}

// index is the content of the ".json" file.
type index struct {
	Epoch      int
	GlobalStep int64
	RunID      string
	SavedAt    time.Time
	BinFormat  string
	Params     []serializedParam
	Variables  []serializedVar
}

type serializedVar struct {
	ParameterName string
	Dimensions    []int
	DType         dtypes.DType
	Pos, Length   int
}

// serializedParam keeps the Go type of the value, since JSON decodes every number as float64.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// Config configures a Manager, see New.
type Config struct {
	dir           string
	keep          int
	compress      bool
	runID         string
	excludeScopes []string
	excludeParams map[string]bool
	readOnly      bool
}

// New starts the configuration of a Manager for the checkpoints in dir.
// Defaults: keep 3 checkpoints, gzip compression.
func New(dir string) *Config {
	return &Config{dir: dir, keep: 3, compress: true, excludeParams: make(map[string]bool)}
}

// Keep sets the number of checkpoints to retain. Values <= 0 keep all of them.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Compress sets whether the variables file is gzip'ed.
func (c *Config) Compress(compress bool) *Config {
	c.compress = compress
	return c
}

// RunID is recorded in each saved checkpoint.
func (c *Config) RunID(runID string) *Config {
	c.runID = runID
	return c
}

// ExcludeScopes lists absolute scopes (e.g. "/inceptionv3") whose variables are never saved: frozen weights
// loaded from elsewhere.
func (c *Config) ExcludeScopes(scopes ...string) *Config {
	c.excludeScopes = append(c.excludeScopes, scopes...)
	return c
}

// ExcludeParams lists hyperparameters not overwritten by a restore. Keys without a scope apply to all scopes.
func (c *Config) ExcludeParams(keys ...string) *Config {
	for _, key := range keys {
		c.excludeParams[key] = true
	}
	return c
}

// ReadOnly makes a Manager that never changes the directory: Done doesn't create or clean it up,
// and Save fails. Used to inspect checkpoints of a running job.
func (c *Config) ReadOnly() *Config {
	c.readOnly = true
	return c
}

// Done creates the directory if needed, removes uncommitted leftovers and returns the Manager.
func (c *Config) Done() (*Manager, error) {
	if c.dir == "" {
		return nil, errors.New("ganckpt: checkpoint directory not set")
	}
	m := &Manager{config: c}
	if !c.readOnly {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "ganckpt: creating checkpoint directory %q", c.dir)
		}
		if err := m.removeUncommitted(); err != nil {
			return nil, err
		}
	}
	list, err := m.List()
	if err != nil {
		return nil, err
	}
	m.count = maxCheckpointCount(list) + 1
	return m, nil
}

// Manager saves and restores checkpoints. It implements context.Loader, to provide restored values for
// variables created after the restore.
type Manager struct {
	config *Config
	count  int

	ctx            *context.Context
	prevLoader     context.Loader
	variableValues map[string]*tensors.Tensor
}

// String implements fmt.Stringer.
func (m *Manager) String() string { return fmt.Sprintf("ganckpt.Manager(%q)", m.config.dir) }

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.config.dir }

// List returns the base names of the committed checkpoints, oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: listing checkpoints", m)
	}
	var list []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		list = append(list, strings.TrimSuffix(name, jsonSuffix))
	}
	slices.Sort(list)
	return list, nil
}

func maxCheckpointCount(list []string) int {
	maxCount := 0
	for _, name := range list {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if count, err := strconv.Atoi(matches[1]); err == nil && count > maxCount {
			maxCount = count
		}
	}
	return maxCount
}

// removeUncommitted deletes temporary files and variable files whose index was never committed.
func (m *Manager) removeUncommitted() error {
	entries, err := os.ReadDir(m.config.dir)
	if err != nil {
		return errors.Wrapf(err, "%s: listing checkpoints", m)
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[entry.Name()] = true
	}
	for name := range present {
		orphanBin := strings.HasPrefix(name, baseNamePrefix) && strings.HasSuffix(name, binSuffix) &&
			!present[strings.TrimSuffix(name, binSuffix)+jsonSuffix]
		if !strings.HasSuffix(name, tmpSuffix) && !orphanBin {
			continue
		}
		klog.Warningf("%s: removing uncommitted checkpoint file %q", m, name)
		if err := os.Remove(filepath.Join(m.config.dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s: removing %q", m, name)
		}
	}
	return nil
}

// excluded returns whether the variable is in one of the excluded scopes.
func (m *Manager) excluded(v *context.Variable) bool {
	for _, scope := range m.config.excludeScopes {
		if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

func (m *Manager) paramExcluded(p serializedParam) bool {
	return m.config.excludeParams[p.Key] || m.config.excludeParams[context.JoinScope(p.Scope, p.Key)]
}

// decodeValueType restores the Go type of a param value decoded from JSON.
func (p *serializedParam) decodeValueType() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "uint64":
			p.Value = uint64(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = convertSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = convertSlice(value, func(f float64) float64 { return f })
		case "[]string":
			strs := make([]string, len(value))
			for ii, v := range value {
				strs[ii], _ = v.(string)
			}
			p.Value = strs
		}
	}
}

func convertSlice[T any](values []any, fn func(float64) T) []T {
	result := make([]T, len(values))
	for ii, v := range values {
		f, _ := v.(float64)
		result[ii] = fn(f)
	}
	return result
}
