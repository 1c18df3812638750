package blob

import (
	"fmt"
	"io"
	"sync"

	"quarry-go/internal/quarry"
)

// EncryptingBlobStore wraps another BlobStore and encrypts content at rest.
// Uploads are encrypted on the way in; downloads require the store to be
// unlocked first. Server-side copies pass ciphertext through untouched, so
// commits work without the private key.
type EncryptingBlobStore struct {
	inner     quarry.BlobStore
	encryptor quarry.Encryptor

	mu       sync.RWMutex
	unlocked quarry.DecryptionContext
}

var _ quarry.BlobStore = (*EncryptingBlobStore)(nil)

// NewEncryptingBlobStore wraps inner with at-rest encryption.
func NewEncryptingBlobStore(inner quarry.BlobStore, encryptor quarry.Encryptor) *EncryptingBlobStore {
	return &EncryptingBlobStore{inner: inner, encryptor: encryptor}
}

// Unlock decrypts the private key with the passphrase, enabling Get.
func (e *EncryptingBlobStore) Unlock(passphrase string) error {
	ctx, err := e.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking blob store: %w", err)
	}

	e.mu.Lock()
	e.unlocked = ctx
	e.mu.Unlock()
	return nil
}

func (e *EncryptingBlobStore) CreateLocation(name string) (string, error) {
	return e.inner.CreateLocation(name)
}

func (e *EncryptingBlobStore) DeleteLocation(url string) error {
	return e.inner.DeleteLocation(url)
}

func (e *EncryptingBlobStore) GlobalLocation() string {
	return e.inner.GlobalLocation()
}

// Put encrypts r while streaming it into the underlying store.
func (e *EncryptingBlobStore) Put(location, key string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.encryptor.Encrypt(r, pw))
	}()

	url, err := e.inner.Put(location, key, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", err
	}
	return url, nil
}

// Get streams the blob through the unlocked decryption context into w.
func (e *EncryptingBlobStore) Get(url string, w io.Writer) error {
	e.mu.RLock()
	unlocked := e.unlocked
	e.mu.RUnlock()
	if unlocked == nil {
		return fmt.Errorf("blob store is locked; unlock it with the passphrase first")
	}

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- unlocked.Decrypt(pr, w)
	}()

	err := e.inner.Get(url, pw)
	pw.CloseWithError(err)
	if decErr := <-done; decErr != nil && err == nil {
		return decErr
	}
	return err
}

// Copy passes ciphertext through the underlying server-side copy.
func (e *EncryptingBlobStore) Copy(url, newKey string) (string, error) {
	return e.inner.Copy(url, newKey)
}

func (e *EncryptingBlobStore) Delete(url string) error {
	return e.inner.Delete(url)
}

// ValidateSetup checks the underlying store and that encryption keys exist.
func (e *EncryptingBlobStore) ValidateSetup() error {
	if err := e.inner.ValidateSetup(); err != nil {
		return err
	}
	if !e.encryptor.IsConfigured() {
		return fmt.Errorf("blob encryption enabled but keys are not set up")
	}
	return nil
}
