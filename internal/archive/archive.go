// Package archive keeps raw HTML snapshots of pages whose content changed.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BlobStore writes objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver stores page snapshots under prefix/host/urlhash/fingerprint.html.
type Archiver struct {
	store  BlobStore
	prefix string
}

// New creates an Archiver writing to store under prefix.
func New(store BlobStore, prefix string) *Archiver {
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object path for a page snapshot.
func (a *Archiver) Key(pageURL, fingerprint string) string {
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	name := fmt.Sprintf("%016x", xxhash.Sum64String(pageURL))
	return path.Join(a.prefix, host, name, fingerprint+".html")
}

// Save uploads html for pageURL and returns the object URI.
func (a *Archiver) Save(ctx context.Context, pageURL, fingerprint, html string) (string, error) {
	uri, err := a.store.PutObject(ctx, a.Key(pageURL, fingerprint), "text/html; charset=utf-8", strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", pageURL, err)
	}
	return uri, nil
}

// MemoryStore keeps objects in memory. Used when no bucket is configured
// and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) PutObject(_ context.Context, p string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("copy object: %w", err)
	}
	m.mu.Lock()
	m.objects[p] = buf.Bytes()
	m.mu.Unlock()
	return "mem://" + p, nil
}

// Object returns a stored object.
func (m *MemoryStore) Object(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[p]
	return b, ok
}
