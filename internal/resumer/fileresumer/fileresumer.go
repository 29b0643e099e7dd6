// Package fileresumer provides a resumer.Store that keeps every paused session in a JSON file.
package fileresumer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cenkalti/drizzle/internal/resumer"
)

// Suffix of the snapshot files.
const Suffix = ".session.json"

// Resumer saves snapshots as "<dir>/<name>.session.json".
type Resumer struct {
	dir string
}

var _ resumer.Store = (*Resumer)(nil)

// New returns a new Resumer. The directory is created if it does not exist.
func New(dir string) (*Resumer, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, err
	}
	return &Resumer{dir: dir}, nil
}

func (r *Resumer) path(name string) string {
	return filepath.Join(r.dir, resumer.Key(name)+Suffix)
}

// Save writes the snapshot. An existing snapshot with the same name is replaced atomically.
func (r *Resumer) Save(spec *resumer.Spec) error {
	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(r.dir, ".tmp-*")
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	err = f.Close()
	if err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), r.path(spec.Name))
}

// Load reads and validates the snapshot.
func (r *Resumer) Load(name string) (*resumer.Spec, error) {
	b, err := os.ReadFile(r.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, resumer.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var spec resumer.Spec
	err = json.Unmarshal(b, &spec)
	if err != nil {
		return nil, err
	}
	return &spec, spec.Validate()
}

// Delete removes the snapshot.
func (r *Resumer) Delete(name string) error {
	err := os.Remove(r.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return resumer.ErrNotFound
	}
	return err
}

// List returns the keys of saved snapshots in sorted order.
func (r *Resumer) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Suffix))
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op.
func (r *Resumer) Close() error {
	return nil
}
