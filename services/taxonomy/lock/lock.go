// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock guards a taxonomy data directory against a second writer
// process.
//
// # Description
//
// The store keeps all of its state in one badger directory. Writes are
// serialized in-process by the version manager; this package extends that
// guarantee across processes with an advisory lock on <dir>/writer.lock.
// The lock file carries JSON holder information so a refused writer can
// report who owns the store, and an fsnotify watch reports external
// tampering while the lock is held.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileName is the lock file created inside the data directory.
const FileName = "writer.lock"

var (
	// ErrLocked means another open handle holds the writer lock.
	ErrLocked = errors.New("taxonomy store is locked by another writer")

	// ErrNotHeld is returned when releasing a lock twice.
	ErrNotHeld = errors.New("writer lock not held")
)

// FileLocker abstracts platform-specific advisory locking.
//
// Lock is non-blocking and returns ErrLocked when the file is held
// elsewhere. Unlock is safe to call on an unlocked file.
type FileLocker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID exists.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// Info describes the lock holder. It is written into the lock file.
type Info struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Purpose    string    `json:"purpose,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockedError reports a refused acquisition. Holder is nil when the lock
// file could not be read.
type LockedError struct {
	Path   string
	Holder *Info
}

func (e *LockedError) Error() string {
	if e.Holder == nil {
		return fmt.Sprintf("%s: %s", ErrLocked, e.Path)
	}
	return fmt.Sprintf("%s: %s (pid %d on %s since %s)", ErrLocked, e.Path,
		e.Holder.PID, e.Holder.Host, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// TamperEvent reports a change to a held lock file by someone else.
type TamperEvent struct {
	Path string
	Op   fsnotify.Op
}

// Options configures Acquire.
type Options struct {
	// Purpose is recorded in the holder info, e.g. "taxonomy add".
	Purpose string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTamper is invoked from the watch goroutine when the lock file is
	// written, removed or renamed while held.
	OnTamper func(TamperEvent)
}

// DirLock is a held writer lock.
//
// # Thread Safety
//
// Release is safe to call concurrently and more than once.
type DirLock struct {
	path     string
	file     *os.File
	locker   FileLocker
	info     Info
	logger   *slog.Logger
	onTamper func(TamperEvent)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	mu       sync.Mutex
	released bool
}

// Acquire takes the writer lock for dir, creating the directory if needed.
//
// # Outputs
//
//   - *DirLock: The held lock. Call Release when done.
//   - error: *LockedError (matching ErrLocked) when another writer holds it.
func Acquire(dir string, opts Options) (*DirLock, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	locker := newPlatformLocker()
	if err := locker.Lock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			holder, _ := readInfo(path)
			return nil, &LockedError{Path: path, Holder: holder}
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}

	if prev, err := readInfo(path); err == nil && prev != nil {
		logger.Info("replacing lock info left by previous writer",
			slog.Int("old_pid", prev.PID),
			slog.Bool("old_pid_alive", IsProcessAlive(prev.PID)))
	}

	host, _ := os.Hostname()
	l := &DirLock{
		path:   path,
		file:   f,
		locker: locker,
		info: Info{
			PID:        os.Getpid(),
			Host:       host,
			Purpose:    opts.Purpose,
			AcquiredAt: time.Now().UTC(),
		},
		logger:   logger.With(slog.String("component", "writer_lock")),
		onTamper: opts.OnTamper,
	}

	if err := writeInfo(f, &l.info); err != nil {
		_ = locker.Unlock(f)
		_ = f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	l.startWatch(dir)

	l.logger.Debug("acquired writer lock",
		slog.String("path", path),
		slog.String("purpose", opts.Purpose))
	return l, nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// Info returns the holder information written by this lock.
func (l *DirLock) Info() Info { return l.info }

// Release stops the watch, clears the holder info and unlocks. The lock
// file itself is left in place so a concurrent opener never locks an
// unlinked inode.
func (l *DirLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return ErrNotHeld
	}
	l.released = true

	if l.watcher != nil {
		_ = l.watcher.Close()
		l.wg.Wait()
	}

	var errs []error
	if err := l.file.Truncate(0); err != nil {
		errs = append(errs, fmt.Errorf("clearing lock info: %w", err))
	}
	if err := l.locker.Unlock(l.file); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing lock file: %w", err))
	}

	l.logger.Debug("released writer lock", slog.String("path", l.path))
	return errors.Join(errs...)
}

// Inspect reports the current holder of the lock for dir without taking it.
//
// # Outputs
//
//   - *Info: Holder info from the lock file, nil if none was recorded.
//   - bool: True if the lock is currently held by an open handle.
//   - error: Non-nil on filesystem failure.
func Inspect(dir string) (*Info, bool, error) {
	path := filepath.Join(dir, FileName)

	info, err := readInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return info, false, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	defer f.Close()

	locker := newPlatformLocker()
	switch err := locker.Lock(f); {
	case errors.Is(err, ErrLocked):
		return info, true, nil
	case err != nil:
		return info, false, fmt.Errorf("probing lock %s: %w", path, err)
	}
	_ = locker.Unlock(f)
	return info, false, nil
}

func (l *DirLock) startWatch(dir string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("lock tamper watch unavailable", slog.String("error", err.Error()))
		return
	}
	// The directory is watched rather than the file: a held descriptor
	// suppresses delete notifications on the file itself.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		l.logger.Warn("lock tamper watch unavailable", slog.String("error", err.Error()))
		return
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchLoop()
}

func (l *DirLock) watchLoop() {
	defer l.wg.Done()
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("lock watcher error", slog.String("error", err.Error()))
		}
	}
}

func (l *DirLock) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != l.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	l.logger.Warn("writer lock file modified externally",
		slog.String("path", l.path),
		slog.String("op", event.Op.String()))

	if l.onTamper != nil {
		l.onTamper(TamperEvent{Path: l.path, Op: event.Op})
	}
}

func writeInfo(f *os.File, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

// readInfo returns nil, nil for an empty lock file.
func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding lock info %s: %w", path, err)
	}
	return &info, nil
}
