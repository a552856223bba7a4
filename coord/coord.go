// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"fmt"
	"math"
)

const (
	// MaxPos is the largest position a Coordinate can hold.  A coordinate
	// that starts at 1 and ends at MaxPos covers its whole contig.
	MaxPos = math.MaxInt32

	// UnmappedIndex is the pseudo contig index of the Unmapped coordinate.
	UnmappedIndex = -1
)

// Coordinate is a 1-based, closed genomic interval [Start, End] on one
// contig.  ContigIndex is the contig's rank in the Dictionary that created
// the coordinate, and it (not Contig) drives ordering.
//
// Coordinates are plain values: they are never mutated after construction,
// and can be used directly as map keys.
type Coordinate struct {
	Contig      string
	ContigIndex int
	Start       int
	End         int
}

// Unmapped is the coordinate of reads that are not aligned to any contig.
// It sorts after every mapped coordinate and cannot be subdivided.
var Unmapped = Coordinate{ContigIndex: UnmappedIndex}

// IsUnmapped returns true iff c is the Unmapped coordinate.
func (c Coordinate) IsUnmapped() bool {
	return c.ContigIndex == UnmappedIndex
}

// For sorting.  Unmapped sorts last.
func sortableIndex(idx int) int {
	if idx == UnmappedIndex {
		return math.MaxInt32
	}
	return idx
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// CompareContigs returns (-1, 0, 1) if c's contig sorts (before, same as,
// after) c1's contig.
func (c Coordinate) CompareContigs(c1 Coordinate) int {
	return cmpInt(sortableIndex(c.ContigIndex), sortableIndex(c1.ContigIndex))
}

// Compare returns (-1, 0, 1) if (c<c1, c=c1, c>c1) respectively.  The order
// is contig rank, then start, then end.
func (c Coordinate) Compare(c1 Coordinate) int {
	if r := c.CompareContigs(c1); r != 0 {
		return r
	}
	if r := cmpInt(c.Start, c1.Start); r != 0 {
		return r
	}
	return cmpInt(c.End, c1.End)
}

// LT returns true iff c < c1.
func (c Coordinate) LT(c1 Coordinate) bool { return c.Compare(c1) < 0 }

// LE returns true iff c <= c1.
func (c Coordinate) LE(c1 Coordinate) bool { return c.Compare(c1) <= 0 }

// GT returns true iff c > c1.
func (c Coordinate) GT(c1 Coordinate) bool { return c.Compare(c1) > 0 }

// GE returns true iff c >= c1.
func (c Coordinate) GE(c1 Coordinate) bool { return c.Compare(c1) >= 0 }

// EQ returns true iff c = c1.  The contig name is not consulted.
func (c Coordinate) EQ(c1 Coordinate) bool {
	return c.ContigIndex == c1.ContigIndex && c.Start == c1.Start && c.End == c1.End
}

// OnSameContig returns true iff c and c1 lie on the same contig.
func (c Coordinate) OnSameContig(c1 Coordinate) bool {
	return c.ContigIndex == c1.ContigIndex
}

// Overlaps returns true iff c and c1 share at least one position; that is,
// neither lies entirely before the other.
func (c Coordinate) Overlaps(c1 Coordinate) bool {
	if c.IsUnmapped() || c1.IsUnmapped() {
		return c.IsUnmapped() && c1.IsUnmapped()
	}
	return c.OnSameContig(c1) && c.Start <= c1.End && c1.Start <= c.End
}

// Encloses returns true iff c1's span lies within c's span, inclusive.
func (c Coordinate) Encloses(c1 Coordinate) bool {
	return c.OnSameContig(c1) && c.Start <= c1.Start && c1.End <= c.End
}

// IsBefore returns true iff c ends before c1 starts.
func (c Coordinate) IsBefore(c1 Coordinate) bool {
	r := c.CompareContigs(c1)
	return r < 0 || (r == 0 && c.End < c1.Start)
}

// IsPast returns true iff c starts after c1 ends.
func (c Coordinate) IsPast(c1 Coordinate) bool {
	r := c.CompareContigs(c1)
	return r > 0 || (r == 0 && c.Start > c1.End)
}

// StartsBefore returns true iff c's start sorts before c1's start.
func (c Coordinate) StartsBefore(c1 Coordinate) bool {
	r := c.CompareContigs(c1)
	return r < 0 || (r == 0 && c.Start < c1.Start)
}

// Size returns the number of positions covered by c.
func (c Coordinate) Size() int {
	return c.End - c.Start + 1
}

// StartPoint returns the single-position coordinate at c.Start.
func (c Coordinate) StartPoint() Coordinate {
	return Coordinate{Contig: c.Contig, ContigIndex: c.ContigIndex, Start: c.Start, End: c.Start}
}

// EndPoint returns the single-position coordinate at c.End.
func (c Coordinate) EndPoint() Coordinate {
	return Coordinate{Contig: c.Contig, ContigIndex: c.ContigIndex, Start: c.End, End: c.End}
}

// WithSpan returns a coordinate on c's contig spanning [start, end].  No
// validation is performed.
func (c Coordinate) WithSpan(start, end int) Coordinate {
	return Coordinate{Contig: c.Contig, ContigIndex: c.ContigIndex, Start: start, End: end}
}

// String renders c as "contig:start-end", "contig:pos" for a single
// position, or "contig" when c spans [1, MaxPos].  The result never
// contains whitespace as long as the contig name doesn't.
func (c Coordinate) String() string {
	switch {
	case c.IsUnmapped():
		return "unmapped"
	case c.Start == 1 && c.End == MaxPos:
		return c.Contig
	case c.Start == c.End:
		return fmt.Sprintf("%s:%d", c.Contig, c.Start)
	}
	return fmt.Sprintf("%s:%d-%d", c.Contig, c.Start, c.End)
}
