// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

// Contig describes one entry of a Dictionary.  Len may be zero when the
// contig length is unknown, in which case coordinates on the contig are
// only bounded by MaxPos.
type Contig struct {
	Name  string
	Index int
	Len   int
}

// Dictionary is the contig ordering that every Coordinate comparison relies
// on.  It is typically derived from a reference sequence dictionary (a BAM
// header).  A Dictionary is immutable once built and can be shared freely
// between goroutines.
type Dictionary struct {
	contigs []Contig
	byName  map[string]int
}

// NewDictionary builds a Dictionary from contigs in the desired order.  The
// Index fields of the arguments are ignored and reassigned to the position
// in the list.
func NewDictionary(contigs []Contig) (*Dictionary, error) {
	d := &Dictionary{
		contigs: make([]Contig, len(contigs)),
		byName:  make(map[string]int, len(contigs)),
	}
	for i, c := range contigs {
		if c.Name == "" || strings.ContainsAny(c.Name, " \t\n") {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("coord.NewDictionary: invalid contig name %q", c.Name))
		}
		if _, ok := d.byName[c.Name]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("coord.NewDictionary: duplicate contig %s", c.Name))
		}
		if c.Len < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("coord.NewDictionary: negative length for contig %s", c.Name))
		}
		d.contigs[i] = Contig{Name: c.Name, Index: i, Len: c.Len}
		d.byName[c.Name] = i
	}
	return d, nil
}

// NewDictionaryFromNames builds a Dictionary of contigs with unknown
// lengths, ordered as given.
func NewDictionaryFromNames(names ...string) (*Dictionary, error) {
	contigs := make([]Contig, len(names))
	for i, name := range names {
		contigs[i] = Contig{Name: name}
	}
	return NewDictionary(contigs)
}

// NewDictionaryFromSAMHeader builds a Dictionary following the reference
// order of a SAM/BAM header.
func NewDictionaryFromSAMHeader(header *sam.Header) (*Dictionary, error) {
	refs := header.Refs()
	contigs := make([]Contig, len(refs))
	for i, ref := range refs {
		contigs[i] = Contig{Name: ref.Name(), Len: ref.Len()}
	}
	return NewDictionary(contigs)
}

// Len returns the number of contigs.
func (d *Dictionary) Len() int { return len(d.contigs) }

// Contigs returns the contigs in order.  The caller must not modify the
// result.
func (d *Dictionary) Contigs() []Contig { return d.contigs }

// Contig looks up a contig by name.
func (d *Dictionary) Contig(name string) (Contig, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Contig{}, false
	}
	return d.contigs[i], true
}

// New returns the coordinate [start, end] on the named contig.
func (d *Dictionary) New(contig string, start, end int) (Coordinate, error) {
	c, ok := d.Contig(contig)
	if !ok {
		return Coordinate{}, errors.E(errors.NotExist, fmt.Sprintf("coord: unknown contig %s", contig))
	}
	if start < 1 || end < start {
		return Coordinate{}, errors.E(errors.Invalid, fmt.Sprintf("coord: invalid span %s:%d-%d", contig, start, end))
	}
	if (c.Len > 0 && end > c.Len) || end > MaxPos {
		return Coordinate{}, errors.E(errors.Invalid, fmt.Sprintf("coord: %s:%d-%d extends past the end of the contig", contig, start, end))
	}
	return Coordinate{Contig: c.Name, ContigIndex: c.Index, Start: start, End: end}, nil
}

// Point returns the single-position coordinate contig:pos.
func (d *Dictionary) Point(contig string, pos int) (Coordinate, error) {
	return d.New(contig, pos, pos)
}

// Whole returns the coordinate covering the entire named contig.  For a
// contig of unknown length this is [1, MaxPos].
func (d *Dictionary) Whole(contig string) (Coordinate, error) {
	c, ok := d.Contig(contig)
	if !ok {
		return Coordinate{}, errors.E(errors.NotExist, fmt.Sprintf("coord: unknown contig %s", contig))
	}
	end := c.Len
	if end == 0 {
		end = MaxPos
	}
	return Coordinate{Contig: c.Name, ContigIndex: c.Index, Start: 1, End: end}, nil
}

func parsePos(s string) (int, error) {
	return strconv.Atoi(strings.Replace(s, ",", "", -1))
}

// Parse is the inverse of Coordinate.String.  It accepts "unmapped",
// "contig", "contig:pos" and "contig:start-end"; thousands separators in
// positions are tolerated.
func (d *Dictionary) Parse(s string) (Coordinate, error) {
	if s == "unmapped" {
		return Unmapped, nil
	}
	if _, ok := d.byName[s]; ok {
		return d.Whole(s)
	}
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return d.Whole(s)
	}
	contig, span := s[:colon], s[colon+1:]
	var (
		start, end int
		err        error
	)
	if dash := strings.IndexByte(span, '-'); dash >= 0 {
		if start, err = parsePos(span[:dash]); err == nil {
			end, err = parsePos(span[dash+1:])
		}
	} else if start, err = parsePos(span); err == nil {
		end = start
	}
	if err != nil {
		return Coordinate{}, errors.E(errors.Invalid, err, fmt.Sprintf("coord: malformed coordinate %q", s))
	}
	return d.New(contig, start, end)
}

// MustParse is like Parse, but panics on error.  Intended for tests.
func (d *Dictionary) MustParse(s string) Coordinate {
	c, err := d.Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}
