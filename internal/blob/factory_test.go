package blob

import (
	"testing"

	"quarry-go/internal/config"
	"quarry-go/internal/encryption"
)

func TestNewBlobStoreFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BlobConfig
		wantErr bool
	}{
		{
			name:    "memory store",
			cfg:     config.BlobConfig{Type: "memory"},
			wantErr: false,
		},
		{
			name:    "filesystem store",
			cfg:     config.BlobConfig{Type: "filesystem", Root: t.TempDir()},
			wantErr: false,
		},
		{
			name:    "filesystem store without root",
			cfg:     config.BlobConfig{Type: "filesystem"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.BlobConfig{Type: "tape"},
			wantErr: true,
		},
		{
			name:    "encryption without encryptor",
			cfg:     config.BlobConfig{Type: "memory", Encrypt: true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewBlobStoreFromConfig(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBlobStoreFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && store == nil {
				t.Error("NewBlobStoreFromConfig() returned nil store")
			}
		})
	}

	t.Run("encrypt wraps the inner store", func(t *testing.T) {
		store, err := NewBlobStoreFromConfig(
			config.BlobConfig{Type: "memory", Encrypt: true}, encryption.NewTestEncryptor())
		if err != nil {
			t.Fatalf("NewBlobStoreFromConfig() error = %v", err)
		}
		if _, ok := store.(*EncryptingBlobStore); !ok {
			t.Errorf("store type = %T, want *EncryptingBlobStore", store)
		}
	})
}
