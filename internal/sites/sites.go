// Package sites reads and updates the crawl site registry file.
package sites

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

var (
	ErrRegistryNotFound = errors.New("site registry file not found")
	ErrSiteNotFound     = errors.New("site not found")
	ErrNoEnabledSites   = errors.New("no enabled sites found for auto-crawl")
)

// Site is one registry entry. A missing enabled flag means enabled.
type Site struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

func (s *Site) UnmarshalJSON(b []byte) error {
	type plain Site
	p := plain{Enabled: true}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Site(p)
	return nil
}

// File is the registry file. Settings are kept verbatim.
type File struct {
	Sites    []Site          `json:"sites"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Registry reads the file on every call so edits made by hand are picked up.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry returns a registry backed by path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the registry.
func (r *Registry) Load() (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

func (r *Registry) read() (*File, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRegistryNotFound, r.path)
		}
		return nil, fmt.Errorf("read site registry: %w", err)
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse site registry %s: %w", r.path, err)
	}
	return &f, nil
}

// Enabled returns the enabled sites in file order.
func (r *Registry) Enabled() ([]Site, error) {
	f, err := r.Load()
	if err != nil {
		return nil, err
	}
	var enabled []Site
	for _, s := range f.Sites {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoEnabledSites
	}
	return enabled, nil
}

// Toggle flips the enabled flag of the named site and writes the file back.
func (r *Registry) Toggle(name string) (Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.read()
	if err != nil {
		return Site{}, err
	}
	idx := -1
	for i := range f.Sites {
		if f.Sites[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Site{}, fmt.Errorf("%w: %q", ErrSiteNotFound, name)
	}
	f.Sites[idx].Enabled = !f.Sites[idx].Enabled

	if err := r.write(f); err != nil {
		return Site{}, err
	}
	return f.Sites[idx], nil
}

// write replaces the file atomically, keeping non-ASCII text readable.
func (r *Registry) write(f *File) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("encode site registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".crawl_sites-*.json")
	if err != nil {
		return fmt.Errorf("write site registry: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write site registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write site registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("write site registry: %w", err)
	}
	return nil
}
