package ganckpt

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Latest returns the base name of the last committed checkpoint, or ErrNotFound.
// The "latest" pointer is used if it names a committed checkpoint, otherwise the newest listed one.
func (m *Manager) Latest() (string, error) {
	list, err := m.List()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.Wrapf(ErrNotFound, "in %q", m.config.dir)
	}
	if content, err := os.ReadFile(filepath.Join(m.config.dir, LatestFileName)); err == nil {
		if name := strings.TrimSpace(string(content)); slices.Contains(list, name) {
			return name, nil
		}
		klog.Warningf("%s: %q doesn't point to a committed checkpoint, using the newest one", m, LatestFileName)
	}
	return list[len(list)-1], nil
}

// RestoreLatest loads the last committed checkpoint into ctx: its params (except the excluded ones) and all its
// variables. Variables that already exist in ctx get their values set; the others are provided when they
// are created, since the Manager becomes the ctx's context.Loader.
//
// It returns ErrNotFound (wrapped) if there is no checkpoint: the caller decides whether that is fatal.
func (m *Manager) RestoreLatest(ctx *context.Context) (Info, error) {
	baseName, err := m.Latest()
	if err != nil {
		return Info{}, err
	}
	return m.Restore(ctx, baseName)
}

// Restore loads the checkpoint baseName into ctx, see RestoreLatest.
// Everything is read and checked before ctx is changed: a failed restore leaves ctx untouched.
func (m *Manager) Restore(ctx *context.Context, baseName string) (Info, error) {
	idx, values, err := m.read(baseName)
	if err != nil {
		return Info{}, errors.WithMessagef(err, "%s: restoring %s", m, baseName)
	}
	// Values pending from a previous restore are dropped.
	m.variableValues = nil
	// Check the shapes of existing variables before changing anything.
	for name, value := range values {
		scope, varName := context.VariableScopeAndNameFromParameterName(name)
		if v := ctx.GetVariableByScopeAndName(scope, varName); v != nil && !v.Shape().Equal(value.Shape()) {
			return Info{}, errors.Errorf("%s: variable %q is shaped %s in the context, but %s in checkpoint %s",
				m, name, v.Shape(), value.Shape(), baseName)
		}
	}

	for _, p := range idx.Params {
		if m.paramExcluded(p) {
			continue
		}
		ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}
	m.variableValues = make(map[string]*tensors.Tensor, len(values))
	for name, value := range values {
		scope, varName := context.VariableScopeAndNameFromParameterName(name)
		v := ctx.GetVariableByScopeAndName(scope, varName)
		if v == nil {
			m.variableValues[name] = value
			continue
		}
		if err := v.SetValue(value); err != nil {
			return Info{}, errors.WithMessagef(err, "%s: setting variable %q", m, name)
		}
	}
	if m.ctx == nil {
		m.ctx = ctx
		m.prevLoader = ctx.Loader()
		ctx.SetLoader(m)
	}
	klog.Infof("restored checkpoint %s (epoch %d, step %d, %d variables)", baseName, idx.Epoch, idx.GlobalStep, len(values))
	return Info{
		BaseName:     baseName,
		Epoch:        idx.Epoch,
		GlobalStep:   idx.GlobalStep,
		RunID:        idx.RunID,
		SavedAt:      idx.SavedAt,
		NumVariables: len(values),
	}, nil
}

// Describe returns the Info of the checkpoint baseName, reading only its index.
func (m *Manager) Describe(baseName string) (Info, error) {
	idx, err := m.readIndex(baseName)
	if err != nil {
		return Info{}, errors.WithMessagef(err, "%s: describing %s", m, baseName)
	}
	return Info{
		BaseName:     baseName,
		Epoch:        idx.Epoch,
		GlobalStep:   idx.GlobalStep,
		RunID:        idx.RunID,
		SavedAt:      idx.SavedAt,
		NumVariables: len(idx.Variables),
	}, nil
}

func (m *Manager) readIndex(baseName string) (*index, error) {
	jsonBytes, err := os.ReadFile(filepath.Join(m.config.dir, baseName+jsonSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint index")
	}
	idx := &index{}
	if err = json.Unmarshal(jsonBytes, idx); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint index")
	}
	for ii := range idx.Params {
		idx.Params[ii].decodeValueType()
	}
	return idx, nil
}

// read loads the index and the variable values of a checkpoint.
func (m *Manager) read(baseName string) (*index, map[string]*tensors.Tensor, error) {
	idx, err := m.readIndex(baseName)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(m.config.dir, baseName+binSuffix))
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening checkpoint variables")
	}
	defer func() { _ = f.Close() }()
	r, err := variablesReader(bufio.NewReader(f))
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string]*tensors.Tensor, len(idx.Variables))
	pos := 0
	for _, sv := range idx.Variables {
		if sv.Pos != pos {
			return nil, nil, errors.Errorf("variable %q at position %d, expected %d", sv.ParameterName, sv.Pos, pos)
		}
		value := tensors.FromShape(shapes.Make(sv.DType, sv.Dimensions...))
		var readErr error
		err = value.MutableBytes(func(data []byte) {
			if len(data) != sv.Length {
				readErr = errors.Errorf("variable %q has %d bytes, index says %d", sv.ParameterName, len(data), sv.Length)
				return
			}
			_, readErr = io.ReadFull(r, data)
		})
		if err == nil {
			err = readErr
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "reading variable %q", sv.ParameterName)
		}
		values[sv.ParameterName] = value
		pos += sv.Length
	}
	return idx, values, nil
}

// variablesReader strips the compression header, if present.
func variablesReader(r *bufio.Reader) (io.Reader, error) {
	header, err := r.Peek(len(binHeader))
	if err != nil || !bytes.Equal(header, []byte(binHeader)) {
		// Uncompressed (or too short to be compressed: ReadFull reports it).
		return r, nil
	}
	if _, err = r.Discard(len(binHeader)); err != nil {
		return nil, errors.Wrap(err, "reading checkpoint header")
	}
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint header")
	}
	name := make([]byte, nameLen)
	if _, err = io.ReadFull(r, name); err != nil {
		return nil, errors.Wrap(err, "reading checkpoint header")
	}
	if string(name) != gzipHeader {
		return nil, errors.Errorf("unsupported checkpoint compression %q", name)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading gzip header")
	}
	return gz, nil
}

// LoadVariable implements context.Loader: restored values are handed over (once) when the variable is created.
func (m *Manager) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	if m.prevLoader != nil {
		if value, found := m.prevLoader.LoadVariable(ctx, scope, name); found {
			return value, true
		}
	}
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found := m.variableValues[paramName]
	if found {
		delete(m.variableValues, paramName)
	}
	return value, found
}

// DeleteVariable implements context.Loader.
func (m *Manager) DeleteVariable(ctx *context.Context, scope, name string) error {
	if m.prevLoader != nil {
		if err := m.prevLoader.DeleteVariable(ctx, scope, name); err != nil {
			return err
		}
	}
	delete(m.variableValues, context.VariableParameterNameFromScopeAndName(scope, name))
	return nil
}

// Pending returns the number of restored values not yet claimed by a variable.
func (m *Manager) Pending() int { return len(m.variableValues) }
