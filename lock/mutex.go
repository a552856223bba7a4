// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lock

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// Mutex is an in-process reentrant Locker.
type Mutex struct {
	mu     sync.Mutex
	cond   sync.Cond
	owner  Owner
	count  int
	closed bool
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	m.cond.L = &m.mu
	return m
}

// Lock implements Locker.
func (m *Mutex) Lock(o Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.closed && m.count > 0 && m.owner != o {
		m.cond.Wait()
	}
	if m.closed {
		return errors.E(errors.Precondition, "lock: Lock called on a closed Mutex")
	}
	m.owner = o
	m.count++
	return nil
}

// Unlock implements Locker.
func (m *Mutex) Unlock(o Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 || m.owner != o {
		return errors.E(errors.Precondition, fmt.Sprintf("lock: owner %d unlocked a Mutex it does not hold", o))
	}
	m.count--
	if m.count == 0 {
		m.owner = 0
		m.cond.Broadcast()
	}
	return nil
}

// OwnsLock implements Locker.
func (m *Mutex) OwnsLock(o Owner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count > 0 && m.owner == o
}

// HoldCount implements Locker.
func (m *Mutex) HoldCount(o Owner) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != o {
		return 0
	}
	return m.count
}

// Close implements Locker.  Goroutines blocked in Lock fail once the Mutex
// is closed.
func (m *Mutex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count > 0 {
		return errors.E(errors.Precondition, fmt.Sprintf("lock: Mutex closed while held by owner %d", m.owner))
	}
	m.closed = true
	m.cond.Broadcast()
	return nil
}
