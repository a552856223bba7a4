// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tracker lets independent workers claim locations exactly once.
//
// A Tracker pairs a Backend, which persists claims where every worker can
// see them, with a lock.Locker that serializes claim decisions.  Claiming
// is a compare-and-set: ClaimOwnership returns the winning Claim, which
// belongs to someone else if the location was already taken.
//
//   t, err := tracker.NewFileBackedDistributed("/shared/claims.log", dict, tracker.DefaultOpts)
//   ...
//   c, err := t.ClaimOwnership(loc, "host1-worker3")
//   if err == nil && c.OwnedBy("host1-worker3") {
//     // process loc
//   }
package tracker

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/lock"
)

// DefaultCacheSize is the number of items OnlyOwned claims per lock
// acquisition when Opts.CacheSize is not set.
const DefaultCacheSize = 20

// Status stream states.
const (
	StateGoingForLock  = "going_for_lock"
	StateHaveLock      = "have_lock"
	StateReleasingLock = "releasing_lock"
	StateRunning       = "running"
)

// Opts controls tracker construction.
type Opts struct {
	// CacheSize is the batch size used by OnlyOwned when its cacheSize
	// argument is <= 0.
	CacheSize int
	// Status, if non-nil, receives a TSV line every time the tracker's lock
	// changes state.
	Status io.Writer
	// ProcessID identifies this process in the status stream.  If empty, a
	// hash of the host name and pid is used.
	ProcessID string
	// FileLock configures the lock file used by NewFileBackedDistributed.
	FileLock lock.FileLockOpts
}

// DefaultOpts is the default for the tracker constructors.
var DefaultOpts = Opts{
	CacheSize: DefaultCacheSize,
	FileLock:  lock.DefaultFileLockOpts,
}

// Stats counts the work done by one Tracker.
type Stats struct {
	// Locks is the number of outermost lock acquisitions.
	Locks int64
	// Reads and Writes count Backend.ReadNewLocs and
	// Backend.RegisterNewLocs calls.
	Reads, Writes int64
	// LockWait, ReadTime and WriteTime are the cumulative time spent
	// waiting for the lock, reading and writing.
	LockWait, ReadTime, WriteTime time.Duration
}

func perOp(d time.Duration, n int64) time.Duration {
	if n < 1 {
		n = 1
	}
	return d / time.Duration(n)
}

// TimePerLock is the mean lock wait.
func (s Stats) TimePerLock() time.Duration { return perOp(s.LockWait, s.Locks) }

// TimePerRead is the mean backend read time.
func (s Stats) TimePerRead() time.Duration { return perOp(s.ReadTime, s.Reads) }

// TimePerWrite is the mean backend write time.
func (s Stats) TimePerWrite() time.Duration { return perOp(s.WriteTime, s.Writes) }

// Tracker records which worker owns which location.  It is safe for
// concurrent use.
type Tracker struct {
	lock      lock.Locker
	backend   Backend
	cacheSize int
	noop      bool

	// index holds every claim seen so far, keyed by location.  It is
	// guarded by lock.
	index map[coord.Coordinate]Claim

	mu        sync.Mutex // guards the fields below.
	stats     Stats
	status    *tsv.Writer
	processID string
	statusErr errors.Once
}

// New creates a Tracker that persists claims through backend and
// serializes claim decisions with l.  The Tracker takes ownership of both.
func New(backend Backend, l lock.Locker, opts Opts) (*Tracker, error) {
	t := &Tracker{
		lock:      l,
		backend:   backend,
		cacheSize: opts.CacheSize,
		index:     map[coord.Coordinate]Claim{},
		processID: opts.ProcessID,
	}
	if t.cacheSize <= 0 {
		t.cacheSize = DefaultCacheSize
	}
	if opts.Status != nil {
		if t.processID == "" {
			t.processID = defaultProcessID()
		}
		t.status = tsv.NewWriter(opts.Status)
		for _, col := range []string{"process.id", "hr.time", "time", "state"} {
			t.status.WriteString(col)
		}
		if err := t.status.EndLine(); err != nil {
			return nil, err
		}
		if err := t.status.Flush(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	h := seahash.Sum64([]byte(fmt.Sprintf("%s:%d", host, os.Getpid())))
	return fmt.Sprintf("%016x", h)
}

// NewSharedMemory creates a Tracker whose claims live only in memory.
// Workers share claims by sharing the Tracker.
func NewSharedMemory(opts Opts) (*Tracker, error) {
	return New(NewMemoryLog().NewCursor(), lock.NewMutex(), opts)
}

// NewNoOp creates a Tracker under which every claim succeeds and nothing
// is recorded.  It is used when a single worker processes everything.
func NewNoOp() *Tracker {
	return &Tracker{
		lock:      lock.NewMutex(),
		backend:   noopBackend{},
		cacheSize: DefaultCacheSize,
		noop:      true,
		index:     map[coord.Coordinate]Claim{},
	}
}

// NoOp reports whether t was created by NewNoOp.  Such a Tracker hands
// every location to every worker, so it can only serve a single worker.
func (t *Tracker) NoOp() bool { return t.noop }

// NewFileBackedThreaded creates a Tracker that persists claims to the log
// at path and serializes goroutines of this process with an in-process
// lock.  Only one process may use the log.
func NewFileBackedThreaded(path string, dict *coord.Dictionary, opts Opts) (*Tracker, error) {
	backend, err := OpenFileLog(path, dict)
	if err != nil {
		return nil, err
	}
	t, err := New(backend, lock.NewMutex(), opts)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return t, nil
}

// NewFileBackedDistributed creates a Tracker that persists claims to the
// log at path and serializes both goroutines and processes using a lock
// file next to the log.  Every process sharing the log must use this
// constructor.
func NewFileBackedDistributed(path string, dict *coord.Dictionary, opts Opts) (*Tracker, error) {
	fileOpts := opts.FileLock
	if fileOpts.MaxAttempts == 0 {
		fileOpts = lock.DefaultFileLockOpts
	}
	l, err := lock.NewFileLock(lock.CompanionPath(path), fileOpts)
	if err != nil {
		return nil, err
	}
	backend, err := OpenFileLog(path, dict)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	t, err := New(backend, l, opts)
	if err != nil {
		_ = backend.Close()
		_ = l.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) printStatus(state string) {
	if t.status == nil {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.WriteString(t.processID)
	t.status.WriteString(now.Format("15:04:05.000"))
	t.status.WriteString(strconv.FormatInt(now.UnixNano()/int64(time.Millisecond), 10))
	t.status.WriteString(state)
	if err := t.status.EndLine(); err != nil {
		t.statusErr.Set(err)
		return
	}
	t.statusErr.Set(t.status.Flush())
}

// locked runs fn while holding the tracker lock on behalf of o.  Only the
// outermost acquisition by o is counted and reported.
func (t *Tracker) locked(o lock.Owner, fn func() error) (err error) {
	outer := !t.lock.OwnsLock(o)
	var start time.Time
	if outer {
		t.printStatus(StateGoingForLock)
		start = time.Now()
	}
	if err = t.lock.Lock(o); err != nil {
		return err
	}
	if outer {
		wait := time.Since(start)
		t.mu.Lock()
		t.stats.Locks++
		t.stats.LockWait += wait
		t.mu.Unlock()
		t.printStatus(StateHaveLock)
	}
	defer func() {
		if outer {
			t.printStatus(StateReleasingLock)
		}
		if e := t.lock.Unlock(o); e != nil && err == nil {
			err = e
		}
		if outer {
			t.printStatus(StateRunning)
		}
	}()
	return fn()
}

// refresh merges newly persisted claims into the index.
func (t *Tracker) refresh(o lock.Owner) error {
	return t.locked(o, func() error {
		start := time.Now()
		claims, err := t.backend.ReadNewLocs()
		elapsed := time.Since(start)
		t.mu.Lock()
		t.stats.Reads++
		t.stats.ReadTime += elapsed
		t.mu.Unlock()
		if err != nil {
			return err
		}
		for _, c := range claims {
			if prev, ok := t.index[c.Loc]; ok {
				if prev.Owner != c.Owner {
					log.Error.Printf("tracker: %v claimed by both %s and %s, keeping %s", c.Loc, prev.Owner, c.Owner, prev.Owner)
				}
				continue
			}
			t.index[c.Loc] = c
		}
		return nil
	})
}

// register persists claims and adds them to the index.  The caller must
// hold the lock.
func (t *Tracker) register(claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	start := time.Now()
	err := t.backend.RegisterNewLocs(claims)
	elapsed := time.Since(start)
	t.mu.Lock()
	t.stats.Writes++
	t.stats.WriteTime += elapsed
	t.mu.Unlock()
	if err != nil {
		return err
	}
	for _, c := range claims {
		t.index[c.Loc] = c
	}
	return nil
}

// findOwner looks loc up in the index, refreshing from the backend only
// when it is not already known.  Claims never change owner, so a hit
// needs no refresh.
func (t *Tracker) findOwner(o lock.Owner, loc coord.Coordinate) (claim Claim, ok bool, err error) {
	err = t.locked(o, func() error {
		if claim, ok = t.index[loc]; ok {
			return nil
		}
		if err := t.refresh(o); err != nil {
			return err
		}
		claim, ok = t.index[loc]
		return nil
	})
	return
}

// ClaimOwnership claims loc for who.  If loc is already owned, the
// existing claim is returned unchanged; otherwise a new claim is
// persisted and returned.  The caller won iff the result is OwnedBy(who).
// Losing a claim is not an error.
func (t *Tracker) ClaimOwnership(loc coord.Coordinate, who string) (Claim, error) {
	if t.noop {
		return Claim{Loc: loc, Owner: who}, nil
	}
	o := lock.NewOwner()
	var claim Claim
	err := t.locked(o, func() error {
		c, ok, err := t.findOwner(o, loc)
		if err != nil {
			return err
		}
		if !ok {
			c = Claim{Loc: loc, Owner: who}
			if err := t.register([]Claim{c}); err != nil {
				return err
			}
		}
		claim = c
		return nil
	})
	if err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// FindOwner returns the claim on loc, if any.
func (t *Tracker) FindOwner(loc coord.Coordinate) (Claim, bool, error) {
	if t.noop {
		return Claim{}, false, nil
	}
	return t.findOwner(lock.NewOwner(), loc)
}

// LocIsOwned reports whether anybody has claimed loc.
func (t *Tracker) LocIsOwned(loc coord.Coordinate) (bool, error) {
	_, ok, err := t.FindOwner(loc)
	return ok, err
}

// Claims returns every claim known to the tracker, sorted by location.
func (t *Tracker) Claims() ([]Claim, error) {
	if t.noop {
		return nil, nil
	}
	o := lock.NewOwner()
	var claims []Claim
	err := t.locked(o, func() error {
		if err := t.refresh(o); err != nil {
			return err
		}
		claims = make([]Claim, 0, len(t.index))
		for _, c := range t.index {
			claims = append(claims, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Loc.LT(claims[j].Loc) })
	return claims, nil
}

// Stats returns a snapshot of the tracker's counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close releases the backend and the lock.  It returns the first error
// encountered, including earlier status stream write errors.
func (t *Tracker) Close() error {
	err := errors.Once{}
	err.Set(t.backend.Close())
	err.Set(t.lock.Close())
	t.mu.Lock()
	err.Set(t.statusErr.Err())
	t.mu.Unlock()
	if e := err.Err(); e != nil {
		return e
	}
	s := t.Stats()
	log.Debug.Printf("tracker: %d locks (%v each), %d reads (%v each), %d writes (%v each)",
		s.Locks, s.TimePerLock(), s.Reads, s.TimePerRead(), s.Writes, s.TimePerWrite())
	return nil
}
