package testutil

import (
	"bytes"
	"testing"

	"quarry-go/internal/blob"
	"quarry-go/internal/quarry"
)

// NewTestBlobStore creates a new in-memory blob store for testing.
func NewTestBlobStore() *blob.MemoryBlobStore {
	return blob.NewMemoryBlobStore()
}

// BlobContent reads the blob at url into a byte slice, failing the test on
// error.
func BlobContent(t *testing.T, blobs quarry.BlobStore, url string) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := blobs.Get(url, &buf); err != nil {
		t.Fatalf("failed to read blob %s: %v", url, err)
	}
	return buf.Bytes()
}
