// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package pileup

import (
	"io"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/locus/coord"
)

// Seq8ToASCIITable is the .bam seq nibble -> ASCII mapping.
var Seq8ToASCIITable = [...]byte{'=', 'A', 'C', 'M', 'G', 'R', 'S', 'V', 'T', 'W', 'Y', 'H', 'K', 'D', 'B', 'N'}

// StrandType describes which strand a read-pair is aligned to.
type StrandType int

const (
	// StrandNone means undefined-strand (read ends on different chromosomes,
	// or appear to be part of an inversion).
	StrandNone StrandType = iota
	// StrandFwd means that the read-pair's start is on the 5' side and the end
	// is on the 3' side of the same chromosome.
	StrandFwd
	// StrandRev means that the read-pair's start is on the 3' side and the end
	// is on the 5' side of the same chromosome.
	StrandRev
)

// GetStrand returns the strand the read-pair is aligned to.
func GetStrand(samr *sam.Record) StrandType {
	if samr.Ref != samr.MateRef {
		return StrandNone
	}
	flagStrand := samr.Flags & (sam.Reverse | sam.MateReverse | sam.Read1 | sam.Read2)
	if (flagStrand == (sam.MateReverse | sam.Read1)) || (flagStrand == (sam.Reverse | sam.Read2)) {
		return StrandFwd
	} else if (flagStrand == (sam.Reverse | sam.Read1)) || (flagStrand == (sam.MateReverse | sam.Read2)) {
		return StrandRev
	}
	if samr.Flags&sam.MateUnmapped == sam.MateUnmapped {
		// Support an alternate encoding emitted by some 'collapser' programs.
		flagStrand &= sam.Reverse | sam.MateReverse
		if flagStrand == 0 {
			return StrandFwd
		} else if flagStrand == (sam.Reverse | sam.MateReverse) {
			return StrandRev
		}
	}
	return StrandNone
}

// SAMRead adapts a mapped sam.Record to the Read interface.
type SAMRead struct {
	Rec    *sam.Record
	blocks []Block
}

// FromSAM wraps a mapped record.  Alignment blocks are derived from the
// CIGAR: M, = and X operations form blocks, I and S consume read bases, D
// and N consume reference positions, and H and P consume neither.
func FromSAM(samr *sam.Record) *SAMRead {
	posInRef := samr.Pos + 1
	posInRead := 0
	var blocks []Block
	for _, co := range samr.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			if cLen > 0 {
				blocks = append(blocks, Block{RefStart: posInRef, ReadStart: posInRead, Len: cLen})
			}
			posInRef += cLen
			posInRead += cLen
		case sam.CigarInsertion, sam.CigarSoftClipped:
			posInRead += cLen
		case sam.CigarDeletion, sam.CigarSkipped:
			posInRef += cLen
		}
	}
	return &SAMRead{Rec: samr, blocks: blocks}
}

// RefName implements Read.
func (r *SAMRead) RefName() string { return r.Rec.Ref.Name() }

// Start implements Read.
func (r *SAMRead) Start() int { return r.Rec.Pos + 1 }

// Blocks implements Read.
func (r *SAMRead) Blocks() []Block { return r.blocks }

// Base returns the ASCII base at the given 0-based read offset.
func (r *SAMRead) Base(offset int) byte {
	d := byte(r.Rec.Seq.Seq[offset>>1])
	if offset&1 == 0 {
		d >>= 4
	}
	return Seq8ToASCIITable[d&0xf]
}

// Strand returns the strand of the read-pair.
func (r *SAMRead) Strand() StrandType { return GetStrand(r.Rec) }

// String returns the read name.
func (r *SAMRead) String() string { return r.Rec.Name }

// SAMSource yields records until io.EOF.  *bam.Reader implements it.
type SAMSource interface {
	Read() (*sam.Record, error)
}

type samSlice struct {
	recs []*sam.Record
}

func (s *samSlice) Read() (*sam.Record, error) {
	if len(s.recs) == 0 {
		return nil, io.EOF
	}
	r := s.recs[0]
	s.recs = s.recs[1:]
	return r, nil
}

// SAMRecords returns a SAMSource over recs.
func SAMRecords(recs ...*sam.Record) SAMSource { return &samSlice{recs: recs} }

// SAMIterator is a ReadIterator over the mapped records of a SAMSource.
type SAMIterator struct {
	src    SAMSource
	region coord.Coordinate
	cur    *SAMRead
	done   bool
	err    error
}

// NewSAMIterator creates a ReadIterator over src.  Unmapped records are
// skipped.  If region is not the zero Coordinate, only records on region's
// contig starting within [region.Start, region.End] are returned, and
// iteration stops at the first record starting past region.  The records
// of src must be sorted by coordinate, and region must come from a
// Dictionary built from the same header.
func NewSAMIterator(src SAMSource, region coord.Coordinate) *SAMIterator {
	return &SAMIterator{src: src, region: region}
}

func isMapped(samr *sam.Record) bool {
	return samr.Ref != nil && samr.Pos >= 0 && samr.Flags&sam.Unmapped == 0
}

// Scan implements ReadIterator.
func (it *SAMIterator) Scan() bool {
	bounded := it.region.Contig != ""
	for !it.done {
		samr, err := it.src.Read()
		if err != nil {
			it.done = true
			if err != io.EOF {
				it.err = err
			}
			return false
		}
		if !isMapped(samr) {
			continue
		}
		if bounded {
			if samr.Ref.Name() != it.region.Contig {
				if samr.Ref.ID() > it.region.ContigIndex {
					it.done = true
				}
				continue
			}
			start := samr.Pos + 1
			if start < it.region.Start {
				continue
			}
			if start > it.region.End {
				it.done = true
				return false
			}
		}
		it.cur = FromSAM(samr)
		return true
	}
	return false
}

// Read implements ReadIterator.
func (it *SAMIterator) Read() Read { return it.cur }

// Err implements ReadIterator.
func (it *SAMIterator) Err() error { return it.err }
