// Package checkpoint persists model parameters and training progress.
//
// A checkpoint is a directory under the log directory:
//
//	<logdir>/<tag>/meta.yaml
//	<logdir>/<tag>/params/<escaped name>.npy
//
// and <logdir>/checkpoint names the most recent tag.
package checkpoint

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"textcbhg/internal/model"
)

// ErrNotFound is returned when a tag, or any checkpoint at all, is missing.
var ErrNotFound = errors.New("checkpoint not found")

const (
	metaFile    = "meta.yaml"
	paramsDir   = "params"
	pointerFile = "checkpoint"
)

// State is everything needed to resume training or serve predictions.
type State struct {
	Tag        string
	RunID      string
	Epoch      int
	GlobalStep int64
	Params     *model.Params
}

type paramMeta struct {
	Name      string `yaml:"name"`
	File      string `yaml:"file"`
	Shape     []int  `yaml:"shape"`
	Trainable bool   `yaml:"trainable"`
}

type meta struct {
	Tag        string      `yaml:"tag"`
	RunID      string      `yaml:"run_id"`
	Epoch      int         `yaml:"epoch"`
	GlobalStep int64       `yaml:"global_step"`
	SavedAt    time.Time   `yaml:"saved_at"`
	Params     []paramMeta `yaml:"params"`
}

type pointer struct {
	Latest string   `yaml:"model_checkpoint_path"`
	All    []string `yaml:"all_model_checkpoint_paths"`
}

// Store reads and writes checkpoints under one directory.
type Store struct {
	dir string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	return &Store{dir: dir}, nil
}

// Save writes st under tag and makes it the latest checkpoint. The
// directory is assembled under a temporary name and renamed into place,
// so a crash never leaves a half-written tag behind.
func (s *Store) Save(tag string, st State) error {
	if tag == "" {
		return errors.New("save checkpoint: empty tag")
	}
	tmp, err := os.MkdirTemp(s.dir, "."+tag+"-")
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	defer os.RemoveAll(tmp)

	if err := os.Mkdir(filepath.Join(tmp, paramsDir), 0o755); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	m := meta{
		Tag:        tag,
		RunID:      st.RunID,
		Epoch:      st.Epoch,
		GlobalStep: st.GlobalStep,
		SavedAt:    time.Now().UTC(),
	}
	for _, p := range st.Params.Entries() {
		dense, ok := p.Value.(*tensor.Dense)
		if !ok {
			return errors.Errorf("save checkpoint: %s is a %T, not a dense tensor", p.Name, p.Value)
		}
		file := url.PathEscape(p.Name) + ".npy"
		if err := writeNpy(filepath.Join(tmp, paramsDir, file), dense); err != nil {
			return errors.Wrapf(err, "save checkpoint: %s", p.Name)
		}
		m.Params = append(m.Params, paramMeta{
			Name:      p.Name,
			File:      file,
			Shape:     append([]int(nil), dense.Shape()...),
			Trainable: p.Trainable,
		})
	}
	if err := writeYAML(filepath.Join(tmp, metaFile), m); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}

	final := filepath.Join(s.dir, tag)
	if err := os.RemoveAll(final); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	return s.point(tag)
}

func (s *Store) point(tag string) error {
	ptr, err := s.readPointer()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	ptr.Latest = tag
	all := ptr.All[:0]
	for _, t := range ptr.All {
		if t != tag {
			all = append(all, t)
		}
	}
	ptr.All = append(all, tag)

	path := filepath.Join(s.dir, pointerFile)
	tmp := path + ".tmp"
	if err := writeYAML(tmp, ptr); err != nil {
		return errors.Wrap(err, "update checkpoint pointer")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "update checkpoint pointer")
	}
	return nil
}

func (s *Store) readPointer() (pointer, error) {
	var ptr pointer
	data, err := os.ReadFile(filepath.Join(s.dir, pointerFile))
	if os.IsNotExist(err) {
		return ptr, errors.Wrapf(ErrNotFound, "no checkpoint in %s", s.dir)
	}
	if err != nil {
		return ptr, errors.Wrap(err, "read checkpoint pointer")
	}
	if err := yaml.Unmarshal(data, &ptr); err != nil {
		return ptr, errors.Wrap(err, "parse checkpoint pointer")
	}
	return ptr, nil
}

// Latest returns the tag of the most recent checkpoint.
func (s *Store) Latest() (string, error) {
	ptr, err := s.readPointer()
	if err != nil {
		return "", err
	}
	if ptr.Latest == "" {
		return "", errors.Wrapf(ErrNotFound, "no checkpoint in %s", s.dir)
	}
	return ptr.Latest, nil
}

// Tags returns every saved tag, oldest first.
func (s *Store) Tags() ([]string, error) {
	ptr, err := s.readPointer()
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return ptr.All, err
}

// Restore reads the checkpoint saved under tag.
func (s *Store) Restore(tag string) (State, error) {
	dir := filepath.Join(s.dir, tag)
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if os.IsNotExist(err) {
		return State{}, errors.Wrapf(ErrNotFound, "tag %q", tag)
	}
	if err != nil {
		return State{}, errors.Wrapf(err, "restore %s", tag)
	}
	var m meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return State{}, errors.Wrapf(err, "restore %s: parse meta", tag)
	}

	params := model.NewParams()
	for _, pm := range m.Params {
		dense, err := readNpy(filepath.Join(dir, paramsDir, pm.File))
		if err != nil {
			return State{}, errors.Wrapf(err, "restore %s: %s", tag, pm.Name)
		}
		if !tensor.Shape(pm.Shape).Eq(dense.Shape()) {
			return State{}, errors.Wrapf(model.ErrShapeMismatch, "restore %s: %s has shape %v, meta says %v", tag, pm.Name, dense.Shape(), pm.Shape)
		}
		params.Set(pm.Name, dense, pm.Trainable)
	}
	return State{
		Tag:        m.Tag,
		RunID:      m.RunID,
		Epoch:      m.Epoch,
		GlobalStep: m.GlobalStep,
		Params:     params,
	}, nil
}

func writeNpy(path string, t *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteNpy(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, err
	}
	return t, nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
