// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"
)

// FileLockOpts controls how hard FileLock tries to take the filesystem
// lock.
type FileLockOpts struct {
	// MaxAttempts is the number of flock attempts before Lock gives up.
	MaxAttempts int
	// RetryInterval is the sleep between two attempts.
	RetryInterval time.Duration
}

// DefaultFileLockOpts is the default for NewFileLock.
var DefaultFileLockOpts = FileLockOpts{
	MaxAttempts:   30,
	RetryInterval: time.Second,
}

// CompanionPath returns the path of the lock file guarding path.
func CompanionPath(path string) string {
	return path + ".lock"
}

// FileLock is a Locker that excludes both goroutines in this process and
// other processes sharing the filesystem.  It takes an in-process Mutex
// first, and then, only on the outermost acquisition, an exclusive flock(2)
// on the lock file.  The flock is dropped only on the outermost Unlock, so it
// is never released while a goroutine of this process still believes it
// holds the lock.
//
// flock locks belong to open file descriptions, so two FileLocks on the same
// path also exclude each other within a single process.
type FileLock struct {
	inner *Mutex
	path  string
	file  *os.File
	opts  FileLockOpts
}

// NewFileLock opens (creating if necessary) the lock file at path.  The
// parent directory is created if it does not exist.
func NewFileLock(path string, opts FileLockOpts) (*FileLock, error) {
	if opts.MaxAttempts <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("lock: invalid MaxAttempts %d", opts.MaxAttempts))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, errors.E(err, fmt.Sprintf("lock: could not create the directory of lock file %s", path))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("lock: could not open lock file %s", path))
	}
	return &FileLock{
		inner: NewMutex(),
		path:  path,
		file:  f,
		opts:  opts,
	}, nil
}

// Path returns the path of the lock file.
func (l *FileLock) Path() string { return l.path }

// Lock implements Locker.  On the outermost acquisition it fails with
// errors.Unavailable if the file lock could not be taken within
// opts.MaxAttempts tries.
func (l *FileLock) Lock(o Owner) error {
	if err := l.inner.Lock(o); err != nil {
		return err
	}
	if l.inner.HoldCount(o) > 1 {
		return nil
	}
	if err := l.acquireFile(); err != nil {
		if e := l.inner.Unlock(o); e != nil {
			log.Error.Printf("lock: %v", e)
		}
		return err
	}
	return nil
}

func (l *FileLock) acquireFile() error {
	fd := int(l.file.Fd())
	for attempt := 1; ; attempt++ {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			return errors.E(err, fmt.Sprintf("lock: flock %s", l.path))
		}
		if attempt >= l.opts.MaxAttempts {
			return errors.E(errors.Unavailable,
				fmt.Sprintf("lock: could not acquire file lock %s after %d attempts", l.path, attempt))
		}
		vlog.VI(1).Infof("lock: %s is busy (attempt %d/%d), retrying in %v", l.path, attempt, l.opts.MaxAttempts, l.opts.RetryInterval)
		time.Sleep(l.opts.RetryInterval)
	}
}

// Unlock implements Locker.
func (l *FileLock) Unlock(o Owner) error {
	n := l.inner.HoldCount(o)
	if n == 0 {
		return errors.E(errors.Precondition, fmt.Sprintf("lock: owner %d unlocked %s without holding it", o, l.path))
	}
	var err error
	if n == 1 {
		if e := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); e != nil {
			err = errors.E(e, fmt.Sprintf("lock: could not release file lock %s", l.path))
		}
	}
	if e := l.inner.Unlock(o); e != nil && err == nil {
		err = e
	}
	return err
}

// OwnsLock implements Locker.
func (l *FileLock) OwnsLock(o Owner) bool { return l.inner.OwnsLock(o) }

// HoldCount implements Locker.
func (l *FileLock) HoldCount(o Owner) int { return l.inner.HoldCount(o) }

// Close implements Locker.  The lock file itself is left in place, since
// other processes may still be using it.
func (l *FileLock) Close() error {
	if err := l.inner.Close(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return errors.E(err, fmt.Sprintf("lock: could not close lock file %s", l.path))
	}
	return nil
}
