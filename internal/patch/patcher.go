// Package patch applies temporary, reversible text edits to configuration files.
//
// The first edit of a file in a run copies it to a sibling backup; RestoreAll
// writes every backup back and deletes it. Files a run generates from scratch
// are deleted instead. Backups can also be recorded in a Manifest so a run
// that was killed outright can be cleaned up later.
package patch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/lightfastai/e2eenv/internal/errors"
	"github.com/lightfastai/e2eenv/internal/logger"
)

// Backup is the pre-patch state of one file
type Backup struct {
	OriginalPath string
	BackupPath   string
	Contents     []byte
	Mode         os.FileMode
	CreatedAt    time.Time
	Restored     bool
	// Generated marks a file that did not exist before the run. Restoring it
	// deletes the file, and BackupPath names no file on disk.
	Generated bool
}

// Patcher owns the backups taken during one run
type Patcher struct {
	fs       afero.Fs
	runID    string
	manifest *Manifest

	mu      sync.Mutex
	backups map[string]*Backup
	order   []string

	// now allows for dependency injection in tests
	now func() time.Time
}

// NewPatcher creates a Patcher. manifest may be nil.
func NewPatcher(fs afero.Fs, runID string, manifest *Manifest) *Patcher {
	return &Patcher{
		fs:       fs,
		runID:    runID,
		manifest: manifest,
		backups:  make(map[string]*Backup),
		now:      time.Now,
	}
}

// BackupPathFor returns the backup name used for path at time t
func BackupPathFor(path string, t time.Time) string {
	return fmt.Sprintf("%s.e2eenv-%d.bak", path, t.UnixNano())
}

// Patch rewrites path in place with fn. The file is backed up before its first
// edit in this run; later calls for the same path reuse that backup.
func (p *Patcher) Patch(path string, fn TransformFunc) error {
	path = filepath.Clean(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := p.fs.Stat(path)
	if err != nil {
		return errors.PatchFailed(path, err)
	}

	contents, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return errors.PatchFailed(path, err)
	}

	if _, ok := p.backups[path]; !ok {
		if err := p.backup(path, contents, info.Mode().Perm(), false); err != nil {
			return errors.PatchFailed(path, err)
		}
	}

	patched, err := fn(contents)
	if err != nil {
		return errors.PatchFailed(path, err)
	}

	if bytes.Equal(patched, contents) {
		logger.Verbose("Patch left %s unchanged", path)
		return nil
	}

	if err := afero.WriteFile(p.fs, path, patched, info.Mode().Perm()); err != nil {
		return errors.PatchFailed(path, err)
	}

	logger.Verbose("Patched %s", path)
	return nil
}

// Generate writes contents to path for the duration of the run. An existing
// file is backed up and restored like a patched one; a file that did not exist
// is deleted again on restore.
func (p *Patcher) Generate(path string, contents []byte) error {
	path = filepath.Clean(path)

	p.mu.Lock()
	_, tracked := p.backups[path]
	_, statErr := p.fs.Stat(path)
	p.mu.Unlock()

	if tracked || statErr == nil {
		return p.Patch(path, func([]byte) ([]byte, error) { return contents, nil })
	}
	if !os.IsNotExist(statErr) {
		return errors.PatchFailed(path, statErr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.PatchFailed(path, err)
	}
	if err := p.backup(path, nil, 0o644, true); err != nil {
		return errors.PatchFailed(path, err)
	}
	if err := afero.WriteFile(p.fs, path, contents, 0o644); err != nil {
		return errors.PatchFailed(path, err)
	}

	logger.Verbose("Wrote %s", path)
	return nil
}

func (p *Patcher) backup(path string, contents []byte, mode os.FileMode, generated bool) error {
	created := p.now()
	b := &Backup{
		OriginalPath: path,
		BackupPath:   BackupPathFor(path, created),
		Contents:     append([]byte(nil), contents...),
		Mode:         mode,
		CreatedAt:    created,
		Generated:    generated,
	}

	if !generated {
		if err := afero.WriteFile(p.fs, b.BackupPath, contents, mode); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
	}

	if p.manifest != nil {
		entry := Entry{
			OriginalPath: path,
			BackupPath:   b.BackupPath,
			RunID:        p.runID,
			PID:          os.Getpid(),
			Created:      created,
			Generated:    generated,
		}
		if err := p.manifest.Add(entry); err != nil {
			if !generated {
				_ = p.fs.Remove(b.BackupPath)
			}
			return fmt.Errorf("failed to record backup: %w", err)
		}
	}

	p.backups[path] = b
	p.order = append(p.order, path)
	logger.Debug("Backed up %s to %s", path, b.BackupPath)
	return nil
}

// RestoreAll writes every backup over its original and deletes it. Every entry
// is attempted; failures are logged and returned together.
func (p *Patcher) RestoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	for _, path := range p.order {
		b := p.backups[path]
		if b.Restored {
			continue
		}
		if err := p.restore(b); err != nil {
			logger.Error("%v", err)
			result = multierror.Append(result, err)
			continue
		}
		b.Restored = true
		logger.Verbose("Restored %s", path)
	}

	return result.ErrorOrNil()
}

func (p *Patcher) restore(b *Backup) error {
	if b.Generated {
		if err := p.fs.Remove(b.OriginalPath); err != nil && !os.IsNotExist(err) {
			return errors.RestoreFailed(b.OriginalPath, b.BackupPath, err)
		}
	} else {
		if err := afero.WriteFile(p.fs, b.OriginalPath, b.Contents, b.Mode); err != nil {
			// Leave the backup file in place so it can be restored by hand
			return errors.RestoreFailed(b.OriginalPath, b.BackupPath, err)
		}
		if err := p.fs.Remove(b.BackupPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("Restored %s but could not delete backup %s: %v", b.OriginalPath, b.BackupPath, err)
		}
	}

	if p.manifest != nil {
		if err := p.manifest.Remove(b.BackupPath); err != nil {
			logger.Warn("Restored %s but could not update manifest: %v", b.OriginalPath, err)
		}
	}
	return nil
}

// Backups returns a snapshot of the backups taken so far, in creation order
func (p *Patcher) Backups() []Backup {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Backup, 0, len(p.order))
	for _, path := range p.order {
		out = append(out, *p.backups[path])
	}
	return out
}

// Recover restores the backups listed in manifest, typically left behind by a
// run that was killed. Generated files are deleted, and entries whose backup
// file is gone are dropped. Entries owned by another e2eenv process that is
// still running are skipped unless force is set. It returns the number of
// files restored and the number skipped.
func Recover(fs afero.Fs, manifest *Manifest, force bool) (restored, skipped int, err error) {
	entries, err := manifest.Entries()
	if err != nil {
		return 0, 0, err
	}

	var result *multierror.Error
	for _, e := range entries {
		if !force && e.PID != os.Getpid() && processAlive(e.PID) {
			logger.Warn("Skipping %s: run %s (pid %d) is still active", e.OriginalPath, e.RunID, e.PID)
			skipped++
			continue
		}

		b := &Backup{OriginalPath: e.OriginalPath, BackupPath: e.BackupPath, Generated: e.Generated}
		if !e.Generated {
			contents, err := afero.ReadFile(fs, e.BackupPath)
			if os.IsNotExist(err) {
				logger.Warn("Backup %s for %s no longer exists, dropping it", e.BackupPath, e.OriginalPath)
				if err := manifest.Remove(e.BackupPath); err != nil {
					result = multierror.Append(result, err)
				}
				continue
			}
			if err != nil {
				result = multierror.Append(result, errors.RestoreFailed(e.OriginalPath, e.BackupPath, err))
				continue
			}

			b.Contents = contents
			b.Mode = os.FileMode(0o644)
			if info, err := fs.Stat(e.OriginalPath); err == nil {
				b.Mode = info.Mode().Perm()
			}
		}

		p := &Patcher{fs: fs, manifest: manifest}
		if err := p.restore(b); err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if e.Generated {
			logger.Success("Removed %s (left by run %s)", e.OriginalPath, e.RunID)
		} else {
			logger.Success("Restored %s (left by run %s)", e.OriginalPath, e.RunID)
		}
		restored++
	}

	return restored, skipped, result.ErrorOrNil()
}
