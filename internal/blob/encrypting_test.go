package blob

import (
	"bytes"
	"strings"
	"testing"

	"quarry-go/internal/encryption"
)

func newTestEncryptingStore(t *testing.T) (*EncryptingBlobStore, *MemoryBlobStore) {
	t.Helper()
	inner := NewMemoryBlobStore()
	return NewEncryptingBlobStore(inner, encryption.NewTestEncryptor()), inner
}

func TestEncryptingBlobStore_PutStoresCiphertext(t *testing.T) {
	store, inner := newTestEncryptingStore(t)
	loc, err := store.CreateLocation("ws-1")
	if err != nil {
		t.Fatalf("CreateLocation() error = %v", err)
	}

	content := "secret content"
	url, err := store.Put(loc, "a.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var raw bytes.Buffer
	if err := inner.Get(url, &raw); err != nil {
		t.Fatalf("inner Get() error = %v", err)
	}
	if raw.String() == content {
		t.Error("underlying store holds plaintext")
	}
}

func TestEncryptingBlobStore_GetRequiresUnlock(t *testing.T) {
	store, _ := newTestEncryptingStore(t)
	loc, err := store.CreateLocation("ws-1")
	if err != nil {
		t.Fatalf("CreateLocation() error = %v", err)
	}
	url, err := store.Put(loc, "a.txt", strings.NewReader("secret"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var buf bytes.Buffer
	if err := store.Get(url, &buf); err == nil {
		t.Fatal("Get() before Unlock should return error")
	}

	if err := store.Unlock("passphrase"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := store.Get(url, &buf); err != nil {
		t.Fatalf("Get() after Unlock error = %v", err)
	}
	if buf.String() != "secret" {
		t.Errorf("Get() = %q, want the decrypted plaintext", buf.String())
	}
}

func TestEncryptingBlobStore_CopyWorksLocked(t *testing.T) {
	store, _ := newTestEncryptingStore(t)
	loc, err := store.CreateLocation("ws-1")
	if err != nil {
		t.Fatalf("CreateLocation() error = %v", err)
	}

	content := "committed secret"
	url, err := store.Put(loc, "a.txt", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Commits copy ciphertext server-side, so no unlock is needed.
	globalURL, err := store.Copy(url, "file-id-1")
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}

	if err := store.Unlock("passphrase"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var buf bytes.Buffer
	if err := store.Get(globalURL, &buf); err != nil {
		t.Fatalf("Get() of copy error = %v", err)
	}
	if buf.String() != content {
		t.Errorf("copied content = %q, want %q", buf.String(), content)
	}
}

func TestEncryptingBlobStore_ValidateSetup(t *testing.T) {
	store, _ := newTestEncryptingStore(t)
	if err := store.ValidateSetup(); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
