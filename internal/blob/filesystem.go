package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"quarry-go/internal/quarry"
)

// FileSystemBlobStore stores blobs as files under a root directory:
//
//	<root>/
//	  global/           (durable committed content)
//	  locations/
//	    <name>/         (one directory per workspace location)
//
// URLs have the form file://<absolute path>.
type FileSystemBlobStore struct {
	root         string
	globalDir    string
	locationsDir string
}

var _ quarry.BlobStore = (*FileSystemBlobStore)(nil)

// NewFileSystemBlobStore creates a filesystem blob store rooted at the given
// path, creating the directory structure if needed.
func NewFileSystemBlobStore(root string) (*FileSystemBlobStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving blob root: %w", err)
	}

	globalDir := filepath.Join(absRoot, "global")
	locationsDir := filepath.Join(absRoot, "locations")
	for _, dir := range []string{globalDir, locationsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create blob directory: %w", err)
		}
	}

	return &FileSystemBlobStore{
		root:         absRoot,
		globalDir:    globalDir,
		locationsDir: locationsDir,
	}, nil
}

// CreateLocation creates a directory for the named location.
func (v *FileSystemBlobStore) CreateLocation(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid location name: %q", name)
	}

	dir := filepath.Join(v.locationsDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create location directory: %w", err)
	}
	return "file://" + dir, nil
}

// DeleteLocation removes a location directory and everything in it.
func (v *FileSystemBlobStore) DeleteLocation(url string) error {
	dir, err := v.pathFromURL(url)
	if err != nil {
		return err
	}
	if dir == v.globalDir {
		return fmt.Errorf("refusing to delete the global location")
	}
	if !strings.HasPrefix(dir, v.locationsDir+string(filepath.Separator)) {
		return fmt.Errorf("location outside blob root: %s", url)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	return nil
}

// GlobalLocation returns the URL of the global directory.
func (v *FileSystemBlobStore) GlobalLocation() string {
	return "file://" + v.globalDir
}

// Put streams r into a file under the location directory. The write is
// atomic: data goes to a temp file first, then gets renamed into place.
func (v *FileSystemBlobStore) Put(location, key string, r io.Reader) (string, error) {
	dir, err := v.pathFromURL(location)
	if err != nil {
		return "", err
	}

	destPath := filepath.Join(dir, filepath.FromSlash(key))
	if !strings.HasPrefix(destPath, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key: %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := writeFileAtomic(destPath, r); err != nil {
		return "", err
	}
	return "file://" + destPath, nil
}

// Get opens the file at url and writes its content to w.
func (v *FileSystemBlobStore) Get(url string, w io.Writer) error {
	path, err := v.pathFromURL(url)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob not found: %s", url)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// Copy duplicates the blob at url into the global directory under newKey.
func (v *FileSystemBlobStore) Copy(url, newKey string) (string, error) {
	srcPath, err := v.pathFromURL(url)
	if err != nil {
		return "", err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open blob: %w", err)
	}
	defer src.Close()

	destPath := filepath.Join(v.globalDir, filepath.FromSlash(newKey))
	if !strings.HasPrefix(destPath, v.globalDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key: %q", newKey)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := writeFileAtomic(destPath, src); err != nil {
		return "", err
	}
	return "file://" + destPath, nil
}

// Delete removes the file at url. A missing file is not an error.
func (v *FileSystemBlobStore) Delete(url string) error {
	path, err := v.pathFromURL(url)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the blob directories are accessible.
func (v *FileSystemBlobStore) ValidateSetup() error {
	for _, dir := range []string{v.root, v.globalDir, v.locationsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("blob directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("blob path is not a directory: %s", dir)
		}
	}
	return nil
}

// pathFromURL turns a file:// URL back into a filesystem path and checks that
// it stays inside the blob root.
func (v *FileSystemBlobStore) pathFromURL(url string) (string, error) {
	path := strings.TrimPrefix(url, "file://")
	if path == url {
		return "", fmt.Errorf("not a filesystem blob url: %s", url)
	}
	path = filepath.Clean(path)
	if path != v.root && !strings.HasPrefix(path, v.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blob url outside blob root: %s", url)
	}
	return path, nil
}

// writeFileAtomic writes data from r to destPath via a temp file and rename.
func writeFileAtomic(destPath string, r io.Reader) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
