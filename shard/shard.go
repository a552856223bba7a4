// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shard

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/locus/coord"
)

// Shard is one unit of work: a contiguous, 1-based closed genomic interval.
// Shards produced by one strategy never overlap.
//
// The Shards are ordered according to the contig order of the dictionary.
// Idx is an index into that ordering: the first Shard has index 0, and the
// subsequent shards increment Idx by one each.
type Shard struct {
	Coord coord.Coordinate
	Idx   int
}

// Location returns the shard's coordinate.  It lets a Shard be claimed
// through the tracker package.
func (s Shard) Location() coord.Coordinate {
	return s.Coord
}

// PaddedStart returns max(1, s.Coord.Start-padding).
func (s Shard) PaddedStart(padding int) int {
	if start := s.Coord.Start - padding; start > 1 {
		return start
	}
	return 1
}

// Contains returns true iff loc lies entirely inside the shard.
func (s Shard) Contains(loc coord.Coordinate) bool {
	if s.Coord.IsUnmapped() {
		return loc.IsUnmapped()
	}
	return s.Coord.Encloses(loc)
}

// String returns a debug string for s.
func (s Shard) String() string {
	return fmt.Sprintf("%d:%s", s.Idx, s.Coord)
}

// PositionBasedShards returns shards that tile every contig of dict with
// intervals of shardSize positions.  The last shard of a contig may be
// shorter.  Contigs of unknown length are covered by a single shard.  A
// final shard for unmapped reads is appended if includeUnmapped is true.
func PositionBasedShards(dict *coord.Dictionary, shardSize int, includeUnmapped bool) ([]Shard, error) {
	if shardSize <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shard: invalid shard size %d", shardSize))
	}
	var shards []Shard
	for _, c := range dict.Contigs() {
		if c.Len == 0 {
			loc, err := dict.Whole(c.Name)
			if err != nil {
				return nil, err
			}
			shards = append(shards, Shard{Coord: loc, Idx: len(shards)})
			continue
		}
		for start := 1; start <= c.Len; start += shardSize {
			end := start + shardSize - 1
			if end > c.Len {
				end = c.Len
			}
			loc, err := dict.New(c.Name, start, end)
			if err != nil {
				return nil, err
			}
			shards = append(shards, Shard{Coord: loc, Idx: len(shards)})
		}
	}
	if includeUnmapped {
		shards = append(shards, Shard{Coord: coord.Unmapped, Idx: len(shards)})
	}
	return shards, Validate(shards)
}

// Validate checks that shards are sorted, disjoint and consecutively
// indexed.
func Validate(shards []Shard) error {
	for i, s := range shards {
		if s.Idx != i {
			return errors.E(errors.Invalid, fmt.Sprintf("shard: shard %v has index %d, expected %d", s, s.Idx, i))
		}
		if i > 0 {
			prev := shards[i-1]
			if !prev.Coord.IsBefore(s.Coord) {
				return errors.E(errors.Invalid, fmt.Sprintf("shard: shard %v does not follow %v", s, prev))
			}
		}
	}
	return nil
}
