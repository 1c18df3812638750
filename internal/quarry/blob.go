package quarry

import "io"

// BlobStore persists file contents. The engine treats it purely as a byte
// store: it is never used for coordination, and its operations are assumed
// at-least-once idempotent at the file-id granularity.
//
// Each workspace gets an isolated location; committed bytes live in a
// separate durable global location. Copying between them happens server-side
// where the backend allows it, so a commit never re-uploads from the client.
type BlobStore interface {
	// CreateLocation provisions an isolated location with the given name and
	// returns its URL.
	CreateLocation(name string) (string, error)

	// DeleteLocation removes a location and everything in it. Deleting the
	// global location is refused.
	DeleteLocation(url string) error

	// GlobalLocation returns the URL of the durable global location.
	GlobalLocation() string

	// Put streams r into the location under key and returns the blob URL.
	Put(location, key string, r io.Reader) (string, error)

	// Get streams the blob at url into w.
	Get(url string, w io.Writer) error

	// Copy duplicates the blob at url into the global location under newKey
	// and returns the new URL.
	Copy(url, newKey string) (string, error)

	// Delete removes the blob at url. Deleting a missing blob is not an
	// error.
	Delete(url string) error

	// ValidateSetup verifies that the store is accessible and configured.
	ValidateSetup() error
}
