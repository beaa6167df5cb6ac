package ganckpt

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Header of compressed variables files: binHeader, the length of the compression name, the compression name.
const (
	binHeader       = "gomlx_checkpoints"
	gzipHeader      = "gzip"
	binUncompressed = "uncompressed"
)

// Save writes a new checkpoint with all variables of ctx (except excluded scopes), its params, the epoch index
// and the global step. It then evicts the oldest checkpoints beyond the retention bound.
//
// Save is all-or-nothing: if it fails, no new checkpoint is visible to RestoreLatest.
// It returns the base name of the new checkpoint.
func (m *Manager) Save(ctx *context.Context, epoch int, globalStep int64) (string, error) {
	if m.config.readOnly {
		return "", errors.Errorf("%s: read-only, can't save", m)
	}
	baseName := fmt.Sprintf("%sn%07d-step-%08d", baseNamePrefix, m.count, globalStep)
	m.count++
	idx := &index{
		Epoch:      epoch,
		GlobalStep: globalStep,
		RunID:      m.config.runID,
		SavedAt:    time.Now(),
		BinFormat:  binUncompressed,
	}
	if m.config.compress {
		idx.BinFormat = gzipHeader
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		idx.Params = append(idx.Params, serializedParam{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
	})

	// Variables in a deterministic order; values restored but not yet claimed by the model are kept.
	values := make(map[string]*tensors.Tensor)
	for v := range ctx.IterVariables() {
		if m.excluded(v) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return "", errors.WithMessagef(err, "%s: reading variable %q", m, v.ParameterName())
		}
		values[v.ParameterName()] = value
	}
	for name, value := range m.variableValues {
		if _, found := values[name]; !found {
			values[name] = value
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	binPath := filepath.Join(m.config.dir, baseName+binSuffix)
	jsonPath := filepath.Join(m.config.dir, baseName+jsonSuffix)
	var err error
	idx.Variables, err = m.writeVariables(binPath+tmpSuffix, names, values)
	if err != nil {
		_ = os.Remove(binPath + tmpSuffix)
		return "", err
	}
	if err = writeJSON(jsonPath+tmpSuffix, idx); err != nil {
		_ = os.Remove(binPath + tmpSuffix)
		_ = os.Remove(jsonPath + tmpSuffix)
		return "", errors.WithMessagef(err, "%s: writing checkpoint index", m)
	}
	if err = os.Rename(binPath+tmpSuffix, binPath); err != nil {
		return "", errors.Wrapf(err, "%s: committing %q", m, binPath)
	}
	// Commit point.
	if err = os.Rename(jsonPath+tmpSuffix, jsonPath); err != nil {
		_ = os.Remove(binPath)
		return "", errors.Wrapf(err, "%s: committing %q", m, jsonPath)
	}
	if err = m.writeLatest(baseName); err != nil {
		return "", err
	}
	klog.V(1).Infof("%s: saved %s (epoch %d, %d variables)", m, baseName, epoch, len(names))
	return baseName, m.evict()
}

// writeVariables writes the raw bytes of the variables, in the order given, to filePath and syncs it.
func (m *Manager) writeVariables(filePath string, names []string, values map[string]*tensors.Tensor) ([]serializedVar, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: creating %q", m, filePath)
	}
	defer func() { _ = f.Close() }()
	buffered := bufio.NewWriter(f)
	var w io.Writer = buffered
	var gz *gzip.Writer
	if m.config.compress {
		header := append([]byte(binHeader), byte(len(gzipHeader)))
		header = append(header, gzipHeader...)
		if _, err = buffered.Write(header); err != nil {
			return nil, errors.Wrapf(err, "%s: writing header to %q", m, filePath)
		}
		gz = gzip.NewWriter(buffered)
		w = gz
	}

	vars := make([]serializedVar, 0, len(names))
	pos := 0
	for _, name := range names {
		value := values[name]
		var n int
		var writeErr error
		err = value.ConstBytes(func(data []byte) {
			n, writeErr = w.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: writing variable %q", m, name)
		}
		shape := value.Shape()
		vars = append(vars, serializedVar{ParameterName: name, Dimensions: shape.Dimensions, DType: shape.DType, Pos: pos, Length: n})
		pos += n
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return nil, errors.Wrapf(err, "%s: compressing %q", m, filePath)
		}
	}
	if err = buffered.Flush(); err != nil {
		return nil, errors.Wrapf(err, "%s: flushing %q", m, filePath)
	}
	if err = f.Sync(); err != nil {
		return nil, errors.Wrapf(err, "%s: syncing %q", m, filePath)
	}
	return vars, f.Close()
}

func writeJSON(filePath string, idx *index) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(idx); err != nil {
		return errors.Wrapf(err, "encoding %q", filePath)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %q", filePath)
	}
	return f.Close()
}

func (m *Manager) writeLatest(baseName string) error {
	latestPath := filepath.Join(m.config.dir, LatestFileName)
	if err := os.WriteFile(latestPath+tmpSuffix, []byte(baseName+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "%s: writing latest pointer", m)
	}
	if err := os.Rename(latestPath+tmpSuffix, latestPath); err != nil {
		return errors.Wrapf(err, "%s: committing latest pointer", m)
	}
	return nil
}

// evict removes the oldest checkpoints beyond the retention bound.
func (m *Manager) evict() error {
	if m.config.keep <= 0 {
		return nil
	}
	list, err := m.List()
	if err != nil {
		return err
	}
	if len(list) <= m.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-m.config.keep] {
		// Index first: once it is gone, the checkpoint is no longer visible.
		for _, suffix := range []string{jsonSuffix, binSuffix} {
			fileName := filepath.Join(m.config.dir, baseName+suffix)
			if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s: removing old checkpoint file %q", m, fileName)
			}
		}
		klog.V(1).Infof("%s: evicted %s", m, baseName)
	}
	return nil
}
