// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/lock"
)

// Located is anything with a location that can be claimed, such as a
// shard.Shard.
type Located interface {
	Location() coord.Coordinate
}

// Iterator is a single-pass sequence of items.  Usage follows
// bufio.Scanner:
//
//   for it.Scan() {
//     use(it.Item())
//   }
//   if err := it.Err(); err != nil { ... }
type Iterator[T any] interface {
	Scan() bool
	Item() T
	Err() error
}

// SliceIterator iterates over a slice.
type SliceIterator[T any] struct {
	items []T
	next  int
	cur   T
}

// NewSliceIterator creates an Iterator over items.
func NewSliceIterator[T any](items []T) *SliceIterator[T] {
	return &SliceIterator[T]{items: items}
}

// Scan implements Iterator.
func (it *SliceIterator[T]) Scan() bool {
	if it.next >= len(it.items) {
		return false
	}
	it.cur = it.items[it.next]
	it.next++
	return true
}

// Item implements Iterator.
func (it *SliceIterator[T]) Item() T { return it.cur }

// Err implements Iterator.  It always returns nil.
func (it *SliceIterator[T]) Err() error { return nil }

// OwnedIterator yields the items of a source Iterator that its identity
// managed to claim.  Create one with OnlyOwned.
type OwnedIterator[T Located] struct {
	t         *Tracker
	src       Iterator[T]
	who       string
	cacheSize int

	cache []T
	cur   T
	done  bool
	err   error
}

// OnlyOwned returns an iterator over the items of src that who succeeds in
// claiming.  Items already claimed by anyone are skipped.  Claims are made
// in batches of up to cacheSize items per lock acquisition and persisted
// with one backend write per batch; a claimed item located at
// coord.Unmapped ends its batch.  If cacheSize <= 0, the tracker's
// configured cache size is used.
//
// The returned iterator consumes src and is not safe for concurrent use;
// each worker should create its own.
func OnlyOwned[T Located](t *Tracker, src Iterator[T], who string, cacheSize int) *OwnedIterator[T] {
	if cacheSize <= 0 {
		cacheSize = t.cacheSize
	}
	return &OwnedIterator[T]{t: t, src: src, who: who, cacheSize: cacheSize}
}

// ClaimNextAvailable claims the next unowned item of src for who.  It
// returns false once src is exhausted.
func ClaimNextAvailable[T Located](t *Tracker, src Iterator[T], who string) (T, bool, error) {
	it := OnlyOwned(t, src, who, 1)
	if it.Scan() {
		return it.Item(), true, nil
	}
	var zero T
	return zero, false, it.Err()
}

// Scan advances to the next owned item.  It returns false when the source
// is exhausted or an error occurs.
func (it *OwnedIterator[T]) Scan() bool {
	for len(it.cache) == 0 {
		if it.done || it.err != nil {
			return false
		}
		it.fill()
	}
	it.cur = it.cache[0]
	it.cache = it.cache[1:]
	return true
}

// Item returns the current item.
func (it *OwnedIterator[T]) Item() T { return it.cur }

// Err returns the first error from the source or the tracker.
func (it *OwnedIterator[T]) Err() error { return it.err }

func (it *OwnedIterator[T]) fill() {
	if it.t.noop {
		if it.src.Scan() {
			it.cache = append(it.cache, it.src.Item())
		} else {
			it.done = true
			it.err = it.src.Err()
		}
		return
	}
	o := lock.NewOwner()
	err := it.t.locked(o, func() error {
		if err := it.t.refresh(o); err != nil {
			return err
		}
		var (
			pending []Claim
			batch   = map[coord.Coordinate]bool{}
			items   []T
		)
		for len(items) < it.cacheSize {
			if !it.src.Scan() {
				it.done = true
				break
			}
			item := it.src.Item()
			loc := item.Location()
			if _, ok := it.t.index[loc]; ok || batch[loc] {
				continue
			}
			batch[loc] = true
			pending = append(pending, Claim{Loc: loc, Owner: it.who})
			items = append(items, item)
			if loc.IsUnmapped() {
				break
			}
		}
		if err := it.t.register(pending); err != nil {
			return err
		}
		it.cache = append(it.cache, items...)
		if it.done {
			return it.src.Err()
		}
		return nil
	})
	if err != nil {
		it.err = err
	}
}
