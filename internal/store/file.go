package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileSlot stores each key as <dir>/<key>.json. The directory is locked for
// the lifetime of the slot so a second process cannot overwrite it.
type FileSlot struct {
	dir string
}

var _ Slot = &FileSlot{}

// OpenFileSlot creates dir if needed and takes its lock.
func OpenFileSlot(dir string) (*FileSlot, error) {
	if dir == "" {
		return nil, errors.New("file slot: empty directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "file slot: create directory")
	}
	if err := AcquireLock(dir); err != nil {
		return nil, err
	}
	return &FileSlot{dir: dir}, nil
}

func (s *FileSlot) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", errors.Wrap(ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Get implements Slot.
func (s *FileSlot) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSlotEmpty
		}
		return nil, err
	}
	return data, nil
}

// Put implements Slot. The value is written to a temp file and renamed into
// place so a crash never leaves a half-written transcript.
func (s *FileSlot) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "file slot: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "file slot: write")
	}
	if syncRequested(ctx) {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.Wrap(err, "file slot: sync")
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "file slot: close")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "file slot: rename")
	}
	return nil
}

// Delete implements Slot. Deleting a missing key is not an error.
func (s *FileSlot) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases the directory lock.
func (s *FileSlot) Close() error {
	return ReleaseLock(s.dir)
}
