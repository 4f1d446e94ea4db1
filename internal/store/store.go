// Package store persists per-mode regulator config overrides in a YAML file.
//
// File layout (every key optional; missing keys fall back to the mode defaults):
//
//	low:
//	  target_latency: 0.8
//	normal:
//	  kp: 0.4
//	  dead_zone: 1.5
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"latencyregulator/internal/regulator"
)

// overrides is the on-disk document: one partial config per mode.
type overrides map[regulator.Mode]regulator.ConfigPatch

// FileStore is a regulator.ConfigStore backed by a YAML file.
//
// Writes go to a temp file that is renamed over the original, and every access
// takes a flock on "<path>.lock" so several processes can share the file.
type FileStore struct {
	path string

	mu sync.Mutex
}

// NewFileStore returns a store for path. The file does not need to exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load returns the defaults for mode with the persisted keys written over them.
func (s *FileStore) Load(mode regulator.Mode) (regulator.Config, error) {
	if !mode.Valid() {
		return regulator.Config{}, fmt.Errorf("%w: %q", regulator.ErrUnknownMode, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return regulator.Config{}, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return regulator.Config{}, err
	}
	return doc[mode].ApplyTo(regulator.DefaultConfig(mode)), nil
}

// Save persists cfg as the full record for mode, leaving other modes untouched.
func (s *FileStore) Save(mode regulator.Mode, cfg regulator.Config) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", regulator.ErrUnknownMode, mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc[mode] = regulator.PatchFrom(cfg)

	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode store yaml: %w", err)
	}
	return s.writeAtomic(b)
}

// read decodes the store file. A missing or empty file is an empty document.
func (s *FileStore) read() (overrides, error) {
	doc := overrides{}

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return overrides{}, nil
		}
		return nil, fmt.Errorf("decode store yaml: %w", err)
	}
	if doc == nil {
		doc = overrides{}
	}

	for mode := range doc {
		if !mode.Valid() {
			return nil, fmt.Errorf("decode store yaml: %w: %q", regulator.ErrUnknownMode, mode)
		}
	}
	return doc, nil
}

func (s *FileStore) writeAtomic(b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}

// lock takes an advisory flock of kind (unix.LOCK_SH or unix.LOCK_EX) on the
// sidecar lock file.
func (s *FileStore) lock(kind int) (func(), error) {
	lockPath := s.path + ".lock"
	if kind == unix.LOCK_SH {
		if _, err := os.Stat(filepath.Dir(lockPath)); errors.Is(err, os.ErrNotExist) {
			// Nothing has ever been saved; there is nothing to guard.
			return func() {}, nil
		}
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store lock: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), kind)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock store: %w", err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
