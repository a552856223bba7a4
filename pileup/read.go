// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pileup

// Block is an ungapped alignment block: Len consecutive read bases starting
// at ReadStart (0-based offset within the read) aligned to Len consecutive
// reference positions starting at RefStart (1-based).
type Block struct {
	RefStart  int
	ReadStart int
	Len       int
}

// Read is an aligned read as seen by the Aggregator.  Start is the 1-based
// alignment start on contig RefName.  Blocks must be ordered by RefStart
// and must not start before Start.
type Read interface {
	RefName() string
	Start() int
	Blocks() []Block
}

// ReadIterator is a pull-based, single-pass sequence of reads, ordered by
// (contig, Start).  Usage follows bufio.Scanner.
type ReadIterator interface {
	Scan() bool
	Read() Read
	Err() error
}

// SimpleRead is a Read with explicit fields.
type SimpleRead struct {
	Name string
	Ref  string
	Pos  int
	Aln  []Block
}

// RefName implements Read.
func (r *SimpleRead) RefName() string { return r.Ref }

// Start implements Read.
func (r *SimpleRead) Start() int { return r.Pos }

// Blocks implements Read.
func (r *SimpleRead) Blocks() []Block { return r.Aln }

// String returns the read name.
func (r *SimpleRead) String() string { return r.Name }

// NewSimpleRead creates a read named name with a single ungapped block of
// length n at ref:pos.
func NewSimpleRead(name, ref string, pos, n int) *SimpleRead {
	r := &SimpleRead{Name: name, Ref: ref, Pos: pos}
	if n > 0 {
		r.Aln = []Block{{RefStart: pos, ReadStart: 0, Len: n}}
	}
	return r
}

// SliceIterator is a ReadIterator over a slice.
type SliceIterator struct {
	reads []Read
	next  int
	cur   Read
}

// NewSliceIterator creates a ReadIterator over reads.
func NewSliceIterator(reads ...Read) *SliceIterator {
	return &SliceIterator{reads: reads}
}

// Scan implements ReadIterator.
func (it *SliceIterator) Scan() bool {
	if it.next >= len(it.reads) {
		return false
	}
	it.cur = it.reads[it.next]
	it.next++
	return true
}

// Read implements ReadIterator.
func (it *SliceIterator) Read() Read { return it.cur }

// Err implements ReadIterator.
func (it *SliceIterator) Err() error { return nil }
