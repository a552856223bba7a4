// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package interval

import (
	"github.com/biogo/store/interval"
	"github.com/grailbio/locus/coord"
)

// span is a half-open [start, limit) range used for both tree elements and
// queries, so subtree ranges maintained by the tree stay consistent with
// the overlap test.
type span struct {
	start, limit int
}

func (s span) Overlap(b interval.IntRange) bool {
	return s.start < b.End && b.Start < s.limit
}

// entry holds the values inserted under one trimmed range.
type entry[T comparable] struct {
	span
	id     uintptr
	values []T
	seen   map[T]struct{}
}

func (e *entry[T]) ID() uintptr               { return e.id }
func (e *entry[T]) Range() interval.IntRange { return interval.IntRange{Start: e.start, End: e.limit} }

func (e *entry[T]) add(v T) bool {
	if _, ok := e.seen[v]; ok {
		return false
	}
	e.seen[v] = struct{}{}
	e.values = append(e.values, v)
	return true
}

// contigIndex is the per-contig part of an OverlapIndex.
type contigIndex[T comparable] struct {
	tree    interval.IntTree
	byRange map[span]*entry[T]
}

// OverlapIndex maps genomic ranges to sets of values and answers "which
// values overlap this range" queries.  Ranges inserted with the same
// (trimmed) span share one value set.
//
// Both Insert and Query take a left and right buffer that shrink the range
// before it is used.  This lets callers decide whether near-touching
// intervals count as overlapping without the index encoding that policy.
//
// An OverlapIndex is not safe for concurrent mutation.
type OverlapIndex[T comparable] struct {
	contigs map[int]*contigIndex[T]
	nextID  uintptr
	all     []T
	allSeen map[T]struct{}
}

// NewOverlapIndex returns an empty index.
func NewOverlapIndex[T comparable]() *OverlapIndex[T] {
	return &OverlapIndex[T]{
		contigs: map[int]*contigIndex[T]{},
		allSeen: map[T]struct{}{},
	}
}

// trim converts the closed range [c.Start+left, c.End-right] into a
// half-open span.  ok is false when the trimmed range is empty.
func trim(c coord.Coordinate, left, right int) (s span, ok bool) {
	start, end := c.Start+left, c.End-right
	if start > end {
		return span{}, false
	}
	return span{start: start, limit: end + 1}, true
}

// Insert adds v under [key.Start+bufferLeft, key.End-bufferRight] on
// key's contig.  If the trimmed range is empty, nothing happens.
func (x *OverlapIndex[T]) Insert(key coord.Coordinate, bufferLeft, bufferRight int, v T) {
	s, ok := trim(key, bufferLeft, bufferRight)
	if !ok {
		return
	}
	ci := x.contigs[key.ContigIndex]
	if ci == nil {
		ci = &contigIndex[T]{byRange: map[span]*entry[T]{}}
		x.contigs[key.ContigIndex] = ci
	}
	e := ci.byRange[s]
	if e == nil {
		e = &entry[T]{span: s, id: x.nextID, seen: map[T]struct{}{}}
		x.nextID++
		ci.byRange[s] = e
		if err := ci.tree.Insert(e, false); err != nil {
			// Only inverted ranges are rejected, and trim rules those out.
			panic(err)
		}
	}
	e.add(v)
	if _, ok := x.allSeen[v]; !ok {
		x.allSeen[v] = struct{}{}
		x.all = append(x.all, v)
	}
}

// Query returns the values whose stored range intersects
// [r.Start+bufferLeft, r.End-bufferRight] on r's contig.  Each value
// appears once.  The result is empty if the trimmed query range is empty
// or nothing was inserted on the contig.
func (x *OverlapIndex[T]) Query(r coord.Coordinate, bufferLeft, bufferRight int) []T {
	s, ok := trim(r, bufferLeft, bufferRight)
	if !ok {
		return nil
	}
	ci := x.contigs[r.ContigIndex]
	if ci == nil {
		return nil
	}
	var (
		result []T
		seen   map[T]struct{}
	)
	ci.tree.DoMatching(func(iv interval.IntInterface) bool {
		e := iv.(*entry[T])
		for _, v := range e.values {
			if seen == nil {
				seen = map[T]struct{}{}
			}
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				result = append(result, v)
			}
		}
		return false
	}, s)
	return result
}

// Overlaps returns true iff Query would return a nonempty result.
func (x *OverlapIndex[T]) Overlaps(r coord.Coordinate, bufferLeft, bufferRight int) bool {
	s, ok := trim(r, bufferLeft, bufferRight)
	if !ok {
		return false
	}
	ci := x.contigs[r.ContigIndex]
	if ci == nil {
		return false
	}
	return ci.tree.DoMatching(func(interval.IntInterface) bool { return true }, s)
}

// AllValues returns every value ever inserted, in first-insertion order.
// The caller must not modify the result.
func (x *OverlapIndex[T]) AllValues() []T {
	return x.all
}

// Len returns the number of distinct (contig, trimmed range) keys.
func (x *OverlapIndex[T]) Len() int {
	n := 0
	for _, ci := range x.contigs {
		n += len(ci.byRange)
	}
	return n
}
