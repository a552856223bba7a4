// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pileup

import (
	"fmt"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/locus/coord"
)

// Pileup lists the reads aligned to one reference position.  Offsets[i] is
// the 0-based offset within Reads[i] of the base aligned to Loc.
type Pileup struct {
	Loc     coord.Coordinate
	Reads   []Read
	Offsets []int
}

// Depth returns the number of reads aligned to the position.
func (p *Pileup) Depth() int { return len(p.Reads) }

// State describes the window of an Aggregator.
type State int

const (
	// StateEmpty means that no position is buffered.
	StateEmpty State = iota
	// StateBuffering means that positions are buffered, but the leftmost one
	// may still receive reads.
	StateBuffering
	// StateEmitting means that the leftmost buffered position is complete and
	// will be returned by the next Scan.
	StateEmitting
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateBuffering:
		return "buffering"
	case StateEmitting:
		return "emitting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// windowNode holds the reads covering one position.  Reads and offsets are
// appended together and always have the same length.
type windowNode struct {
	loc     coord.Coordinate
	reads   []Read
	offsets []int
}

func (n *windowNode) Compare(c llrb.Comparable) int {
	return n.loc.Compare(c.(*windowNode).loc)
}

// Aggregator turns a start-ordered read stream into a position-ordered
// pileup stream.  Only positions covered by reads that may still receive
// more reads are kept in memory.
//
// Usage:
//
//   agg := pileup.NewAggregator(reads, dict)
//   for agg.Scan() {
//     p := agg.Pileup()
//     ...
//   }
//   if err := agg.Err(); err != nil { ... }
type Aggregator struct {
	src  ReadIterator
	dict *coord.Dictionary

	window llrb.Tree

	// next is the lookahead read, if hasNext.  nextLoc is its start point.
	next    Read
	nextLoc coord.Coordinate
	hasNext bool
	srcDone bool

	// prevLoc is the start point of the last read taken from src.
	prevLoc  coord.Coordinate
	havePrev bool

	cur *Pileup
	err error
}

// NewAggregator creates an Aggregator reading from src.  Contig names are
// resolved and ordered through dict.
func NewAggregator(src ReadIterator, dict *coord.Dictionary) *Aggregator {
	return &Aggregator{src: src, dict: dict}
}

// fetch fills the lookahead slot.
func (a *Aggregator) fetch() {
	if a.hasNext || a.srcDone {
		return
	}
	if !a.src.Scan() {
		a.srcDone = true
		a.err = a.src.Err()
		return
	}
	r := a.src.Read()
	loc, err := a.dict.Point(r.RefName(), r.Start())
	if err != nil {
		a.err = errors.E(errors.Invalid, err, "pileup: bad read position")
		return
	}
	if a.havePrev && loc.LT(a.prevLoc) {
		a.err = errors.E(errors.Invalid, fmt.Sprintf("pileup: read at %v follows read at %v; input must be sorted by start", loc, a.prevLoc))
		return
	}
	a.prevLoc, a.havePrev = loc, true
	a.next, a.nextLoc, a.hasNext = r, loc, true
}

// add moves the lookahead read into the window.
func (a *Aggregator) add() {
	r := a.next
	a.next, a.hasNext = nil, false
	for _, b := range r.Blocks() {
		for i := 0; i < b.Len; i++ {
			pos := b.RefStart + i
			q := &windowNode{loc: a.nextLoc.WithSpan(pos, pos)}
			n, ok := a.window.Get(q).(*windowNode)
			if !ok {
				n = q
				a.window.Insert(n)
			}
			n.reads = append(n.reads, r)
			n.offsets = append(n.offsets, b.ReadStart+i)
		}
	}
}

// ready reports whether the leftmost position can be emitted.  The caller
// must have called fetch.
func (a *Aggregator) ready(min *windowNode) bool {
	return !a.hasNext || a.nextLoc.GT(min.loc)
}

// Scan advances to the next position with at least one aligned read.  It
// returns false once the input is exhausted or an error occurs.
func (a *Aggregator) Scan() bool {
	a.cur = nil
	for a.err == nil {
		a.fetch()
		if a.err != nil {
			return false
		}
		if a.window.Len() == 0 {
			if !a.hasNext {
				return false
			}
			a.add()
			continue
		}
		min := a.window.Min().(*windowNode)
		if !a.ready(min) {
			a.add()
			continue
		}
		a.window.DeleteMin()
		a.cur = &Pileup{Loc: min.loc, Reads: min.reads, Offsets: min.offsets}
		return true
	}
	return false
}

// Pileup returns the current position.  It is valid until the next call to
// Scan.
func (a *Aggregator) Pileup() *Pileup { return a.cur }

// Err returns the first error from the read source, or an errors.Invalid
// error if reads were out of order or on unknown contigs.
func (a *Aggregator) Err() error { return a.err }

// State reports the state of the window.
func (a *Aggregator) State() State {
	if a.window.Len() == 0 {
		return StateEmpty
	}
	switch {
	case a.hasNext:
		if a.ready(a.window.Min().(*windowNode)) {
			return StateEmitting
		}
		return StateBuffering
	case a.srcDone:
		return StateEmitting
	}
	// The next read has not been looked at yet.
	return StateBuffering
}
