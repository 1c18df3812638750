package app

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"quarry-go/internal/blob"
	"quarry-go/internal/config"
	"quarry-go/internal/encryption"
	"quarry-go/internal/quarry"
	"quarry-go/internal/store"
	"quarry-go/internal/tasks"
)

// QuarryApp is the application layer between the CLI and the Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI input, and manages resource lifecycle on Close.
type QuarryApp struct {
	cfg       *config.Config
	store     quarry.Store
	blobs     quarry.BlobStore
	encryptor quarry.Encryptor
	runner    *tasks.Runner
	service   *quarry.Service
	logFile   *os.File
}

// NewQuarryApp creates a fully wired QuarryApp from the given config.
// operation identifies the CLI command being run (e.g. "WorkspaceCreate").
// The caller must call Close when done.
func NewQuarryApp(cfg *config.Config, operation string) (*QuarryApp, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	blobs, err := blob.NewBlobStoreFromConfig(cfg.Blob, enc)
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}
	if err := blobs.ValidateSetup(); err != nil {
		return nil, fmt.Errorf("validating blob store: %w", err)
	}

	st, err := store.NewStoreFromConfig(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if sqlStore, ok := st.(*store.SQLiteStore); ok {
		if cfg.Store.Type == "memory" {
			if err := sqlStore.MigrateUp(); err != nil {
				st.Close()
				return nil, fmt.Errorf("migrating in-memory store: %w", err)
			}
		} else if err := sqlStore.CheckMigrations(); err != nil {
			st.Close()
			return nil, fmt.Errorf("store schema out of date: %w", err)
		}
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID+"/"+operation)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	domainLogger := &slogAdapter{l: logger}

	var runnerOpts []tasks.RunnerOption
	if cfg.Runner.Workers > 0 {
		runnerOpts = append(runnerOpts, tasks.WithWorkers(cfg.Runner.Workers))
	}
	if cfg.Runner.QueueSize > 0 {
		runnerOpts = append(runnerOpts, tasks.WithQueueSize(cfg.Runner.QueueSize))
	}
	runner := tasks.NewRunner(domainLogger, runnerOpts...)
	runner.Start()

	svc := quarry.NewService(st, blobs, runner, domainLogger, quarry.RealClock{}, quarry.UUIDGenerator{})

	return &QuarryApp{
		cfg:       cfg,
		store:     st,
		blobs:     blobs,
		encryptor: enc,
		runner:    runner,
		service:   svc,
		logFile:   logFile,
	}, nil
}

// Service returns the underlying domain service.
func (a *QuarryApp) Service() *quarry.Service {
	return a.service
}

// SetupKeys generates the encryption key pair protected by the passphrase.
func (a *QuarryApp) SetupKeys(passphrase string) error {
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	return a.encryptor.Setup(passphrase)
}

// UnlockBlobs unlocks the blob store for downloads when blob encryption is
// enabled. A no-op otherwise.
func (a *QuarryApp) UnlockBlobs(passphrase string) error {
	encBlobs, ok := a.blobs.(*blob.EncryptingBlobStore)
	if !ok {
		return nil
	}
	return encBlobs.Unlock(passphrase)
}

// UploadFile opens the file at rawPath and uploads it into the workspace.
func (a *QuarryApp) UploadFile(workspaceID int64, rawPath, name string, temporary bool) (quarry.Document, error) {
	f, err := os.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return a.service.UploadFile(workspaceID, name, f, temporary)
}

// DownloadFile downloads a file's content to w. A nil workspaceID downloads
// the latest committed content.
func (a *QuarryApp) DownloadFile(workspaceID *int64, fileID uuid.UUID, w io.Writer) error {
	return a.service.DownloadFile(workspaceID, fileID, w)
}

// WaitForWorkspace polls a workspace until it leaves busy states or the
// timeout expires, for CLI commands that want a synchronous result.
func (a *QuarryApp) WaitForWorkspace(id int64, timeout time.Duration) (*quarry.Workspace, error) {
	deadline := time.Now().Add(timeout)
	for {
		ws, err := a.service.GetWorkspace(id)
		if err != nil {
			return nil, err
		}
		switch ws.State {
		case quarry.StateInitializing, quarry.StateScanning, quarry.StateCommitting, quarry.StateDeleting:
			if time.Now().After(deadline) {
				return ws, fmt.Errorf("workspace %d still %s after %s", id, ws.State, timeout)
			}
			time.Sleep(100 * time.Millisecond)
		default:
			return ws, nil
		}
	}
}

// Close stops the task runner and releases all resources.
func (a *QuarryApp) Close() error {
	var firstErr error

	// Let in-flight workspace transitions finish before closing the store.
	a.runner.Stop()

	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}

	return firstErr
}
