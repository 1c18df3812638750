package blob

import (
	"fmt"

	"quarry-go/internal/config"
	"quarry-go/internal/quarry"
)

// NewBlobStoreFromConfig creates a BlobStore implementation based on the blob
// config type. The encryptor is only used when cfg.Encrypt is set.
func NewBlobStoreFromConfig(cfg config.BlobConfig, encryptor quarry.Encryptor) (quarry.BlobStore, error) {
	var store quarry.BlobStore
	var err error

	switch cfg.Type {
	case "memory":
		store = NewMemoryBlobStore()
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		store, err = NewFileSystemBlobStore(cfg.Root)
		if err != nil {
			return nil, err
		}
	case "s3":
		store, err = NewS3BlobStore(cfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}

	if cfg.Encrypt {
		if encryptor == nil {
			return nil, fmt.Errorf("blob encryption enabled but no encryptor configured")
		}
		store = NewEncryptingBlobStore(store, encryptor)
	}
	return store, nil
}
