// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lock provides the reentrant locks used to serialize access to
// shared ownership state: Mutex for goroutines within one process, and
// FileLock for goroutines and processes sharing a filesystem.
//
// Go has no thread identity, so reentrancy is keyed by an explicit Owner
// token.  A call chain mints one Owner with NewOwner and passes it to every
// (possibly nested) Lock/Unlock call; distinct Owners exclude each other.
package lock

import "sync/atomic"

// Owner identifies the holder of a Locker.  The zero Owner is never
// returned by NewOwner.
type Owner uint64

var lastOwner uint64

// NewOwner returns an Owner distinct from every other Owner returned in this
// process.
func NewOwner() Owner {
	return Owner(atomic.AddUint64(&lastOwner, 1))
}

// Locker is a reentrant lock.  An Owner that already holds the lock may call
// Lock again; the lock is released once Unlock has been called as many
// times as Lock.
type Locker interface {
	// Lock blocks until o holds the lock.
	Lock(o Owner) error
	// Unlock undoes one Lock call by o.  It is an error to call Unlock
	// when o does not hold the lock.
	Unlock(o Owner) error
	// OwnsLock returns true iff o currently holds the lock.
	OwnsLock(o Owner) bool
	// HoldCount returns the number of unmatched Lock calls made by o.
	HoldCount(o Owner) int
	// Close releases the resources held by the lock.  It is an error to
	// call Close while the lock is held.
	Close() error
}
