package blob

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"quarry-go/internal/quarry"
)

const globalLocationName = "global"

// MemoryBlobStore is an in-memory implementation of the BlobStore interface,
// useful for testing. URLs have the form mem://<location>/<key>.
// This implementation is safe for concurrent use.
type MemoryBlobStore struct {
	locations map[string]map[string][]byte // location -> key -> content
	mu        sync.RWMutex
}

var _ quarry.BlobStore = (*MemoryBlobStore)(nil)

// NewMemoryBlobStore creates a new in-memory blob store with an empty global
// location.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		locations: map[string]map[string][]byte{
			globalLocationName: {},
		},
	}
}

// CreateLocation provisions a named location.
func (m *MemoryBlobStore) CreateLocation(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("location name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.locations[name]; !ok {
		m.locations[name] = make(map[string][]byte)
	}
	return "mem://" + name, nil
}

// DeleteLocation removes a location and all blobs in it.
func (m *MemoryBlobStore) DeleteLocation(url string) error {
	name := strings.TrimPrefix(url, "mem://")
	if name == globalLocationName {
		return fmt.Errorf("refusing to delete the global location")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locations, name)
	return nil
}

// GlobalLocation returns the URL of the global location.
func (m *MemoryBlobStore) GlobalLocation() string {
	return "mem://" + globalLocationName
}

// Put stores the content of r under key in the given location.
func (m *MemoryBlobStore) Put(location, key string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	name := strings.TrimPrefix(location, "mem://")

	m.mu.Lock()
	defer m.mu.Unlock()

	blobs, ok := m.locations[name]
	if !ok {
		return "", fmt.Errorf("location not found: %s", location)
	}
	blobs[key] = data
	return location + "/" + key, nil
}

// Get writes the blob at url to w.
func (m *MemoryBlobStore) Get(url string, w io.Writer) error {
	name, key, err := splitURL(url)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.locations[name][key]
	if !ok {
		return fmt.Errorf("blob not found: %s", url)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// Copy duplicates the blob at url into the global location under newKey.
func (m *MemoryBlobStore) Copy(url, newKey string) (string, error) {
	name, key, err := splitURL(url)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.locations[name][key]
	if !ok {
		return "", fmt.Errorf("blob not found: %s", url)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	m.locations[globalLocationName][newKey] = copied
	return m.GlobalLocation() + "/" + newKey, nil
}

// Delete removes the blob at url. Deleting a missing blob is not an error.
func (m *MemoryBlobStore) Delete(url string) error {
	name, key, err := splitURL(url)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locations[name], key)
	return nil
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryBlobStore) ValidateSetup() error {
	return nil
}

// splitURL splits mem://<location>/<key> into its location and key parts.
func splitURL(url string) (location, key string, err error) {
	rest := strings.TrimPrefix(url, "mem://")
	if rest == url {
		return "", "", fmt.Errorf("not a memory blob url: %s", url)
	}
	location, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", "", fmt.Errorf("blob url has no key: %s", url)
	}
	return location, key, nil
}
