// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"sync"
)

// MemoryLog is a Backend that keeps claims in memory.  A single MemoryLog
// may be shared by several Trackers in one process; each Tracker should
// then get its own cursor via NewCursor.
type MemoryLog struct {
	mu     sync.Mutex
	claims []Claim
}

// NewMemoryLog creates an empty in-memory claim log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

// NewCursor returns a Backend that reads and writes this log, with a read
// position starting at the beginning.
func (m *MemoryLog) NewCursor() Backend { return &memoryCursor{log: m} }

// Claims returns a copy of every claim in the log, in append order.
func (m *MemoryLog) Claims() []Claim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Claim(nil), m.claims...)
}

type memoryCursor struct {
	log *MemoryLog
	off int
}

func (c *memoryCursor) RegisterNewLocs(claims []Claim) error {
	c.log.mu.Lock()
	c.log.claims = append(c.log.claims, claims...)
	c.log.mu.Unlock()
	return nil
}

func (c *memoryCursor) ReadNewLocs() ([]Claim, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	if c.off >= len(c.log.claims) {
		return nil, nil
	}
	claims := append([]Claim(nil), c.log.claims[c.off:]...)
	c.off = len(c.log.claims)
	return claims, nil
}

func (c *memoryCursor) Close() error { return nil }

// noopBackend records nothing and never reports any claims.
type noopBackend struct{}

func (noopBackend) RegisterNewLocs([]Claim) error { return nil }
func (noopBackend) ReadNewLocs() ([]Claim, error) { return nil, nil }
func (noopBackend) Close() error                  { return nil }
