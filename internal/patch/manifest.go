package patch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

const (
	// ManifestFileName is the backup manifest kept in the state directory
	ManifestFileName = "backups.json"
)

var (
	// ErrLockTimeout is returned when file lock acquisition times out
	ErrLockTimeout = stderrors.New("timeout waiting for manifest lock")
	// LockTimeout is the timeout for acquiring the manifest lock
	LockTimeout = 5 * time.Second
)

// Entry is the on-disk record of a backup, used to restore files after a run
// that was killed before it could clean up
type Entry struct {
	OriginalPath string    `json:"originalPath"`
	BackupPath   string    `json:"backupPath"`
	RunID        string    `json:"runId"`
	PID          int       `json:"pid"`
	Created      time.Time `json:"created"`
	// Generated entries are deleted on restore; BackupPath only keys them
	Generated bool `json:"generated,omitempty"`
}

type manifestFile struct {
	Entries []Entry `json:"entries"`
}

// Manifest is a flock-guarded JSON list of outstanding backups
type Manifest struct {
	path     string
	lockPath string
}

// NewManifest returns the manifest stored in stateDir
func NewManifest(stateDir string) *Manifest {
	path := filepath.Join(stateDir, ManifestFileName)
	return &Manifest{
		path:     path,
		lockPath: path + ".lock",
	}
}

// Path returns the manifest file path
func (m *Manifest) Path() string {
	return m.path
}

// Entries returns every outstanding backup
func (m *Manifest) Entries() ([]Entry, error) {
	var entries []Entry
	err := m.withLock(func() error {
		var err error
		entries, err = m.load()
		return err
	})
	return entries, err
}

// Add records a backup
func (m *Manifest) Add(entry Entry) error {
	return m.update(func(entries []Entry) []Entry {
		return append(entries, entry)
	})
}

// Remove forgets the backup stored at backupPath
func (m *Manifest) Remove(backupPath string) error {
	return m.update(func(entries []Entry) []Entry {
		kept := entries[:0]
		for _, e := range entries {
			if e.BackupPath != backupPath {
				kept = append(kept, e)
			}
		}
		return kept
	})
}

func (m *Manifest) update(fn func([]Entry) []Entry) error {
	return m.withLock(func() error {
		entries, err := m.load()
		if errors.IsType(err, errors.ErrManifestCorrupted) {
			// Same policy as a corrupt registry: warn and start over
			logger.Warn("%v, starting a new manifest", err)
			entries = nil
		} else if err != nil {
			return err
		}
		return m.save(fn(entries))
	})
}

// withLock runs fn while holding the manifest file lock
func (m *Manifest) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	fileLock := flock.New(m.lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), LockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire manifest lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: another e2eenv command may be running (waited %v)", ErrLockTimeout, LockTimeout)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Debug("failed to release manifest lock: %v", err)
		}
	}()

	return fn()
}

func (m *Manifest) load() ([]Entry, error) {
	// #nosec G304 - path is derived from the project state directory
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var file manifestFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.ManifestCorrupted(m.path, err)
	}
	return file.Entries, nil
}

// save writes the manifest atomically, removing it once it is empty
func (m *Manifest) save(entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty manifest: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(manifestFile{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tempFile := m.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary manifest: %w", err)
	}

	if err := os.Rename(tempFile, m.path); err != nil {
		_ = os.Remove(tempFile) // Clean up temp file on error
		return fmt.Errorf("failed to save manifest: %w", err)
	}

	return nil
}
