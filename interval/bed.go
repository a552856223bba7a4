// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/locus/coord"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// BEDOpts controls LoadBED.
type BEDOpts struct {
	// OneBasedInput interprets the BED interval boundaries as one-based [start,
	// end] instead of the usual zero-based [start, end).
	OneBasedInput bool
	// BufferLeft and BufferRight are passed to OverlapIndex.Insert for every
	// interval.
	BufferLeft, BufferRight int
}

// DefaultBEDOpts is the default for LoadBED.
var DefaultBEDOpts = BEDOpts{}

// ReadBED loads the intervals of a BED stream into an OverlapIndex keyed by
// the interval name (the 4th column).  Unnamed intervals are keyed by
// their 1-based coordinate string.  Intervals on contigs unknown to dict are
// skipped; the number of skipped lines is logged.  Empty intervals are
// ignored.  The input does not need to be sorted.
func ReadBED(r io.Reader, dict *coord.Dictionary, opts BEDOpts) (*OverlapIndex[string], error) {
	index := NewOverlapIndex[string]()
	startSubtract := 0
	if opts.OneBasedInput {
		startSubtract = 1
	}
	scanner := bufio.NewScanner(r)
	tokens := make([][]byte, 4)
	nSkipped := 0
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nToken := getTokens(tokens, curLine)
		if nToken == 0 || tokens[0][0] == '#' {
			continue
		}
		if string(tokens[0]) == "track" || string(tokens[0]) == "browser" {
			continue
		}
		if nToken < 3 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ReadBED: line %d has fewer than 3 columns", lineIdx))
		}
		start0, err := strconv.Atoi(gunsafe.BytesToString(tokens[1]))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("interval.ReadBED: bad start on line %d", lineIdx))
		}
		start0 -= startSubtract
		end, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("interval.ReadBED: bad end on line %d", lineIdx))
		}
		if start0 < 0 || end < start0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ReadBED: invalid coordinate pair on line %d", lineIdx))
		}
		if end == start0 {
			continue
		}
		loc, err := dict.New(gunsafe.BytesToString(tokens[0]), start0+1, end)
		if err != nil {
			if errors.Is(errors.NotExist, err) {
				nSkipped++
				continue
			}
			return nil, errors.E(err, fmt.Sprintf("interval.ReadBED: line %d", lineIdx))
		}
		name := loc.String()
		if nToken == 4 {
			name = string(tokens[3])
		}
		index.Insert(loc, opts.BufferLeft, opts.BufferRight, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if nSkipped > 0 {
		log.Printf("interval.ReadBED: warning: skipped %d interval(s) on contigs missing from the dictionary", nSkipped)
	}
	log.Debug.Printf("interval.ReadBED: loaded %d distinct range(s)", index.Len())
	return index, nil
}

// LoadBED is a wrapper for ReadBED that takes a path instead of an
// io.Reader.  Gzipped input is detected from the path.
func LoadBED(ctx context.Context, path string, dict *coord.Dictionary, opts BEDOpts) (index *OverlapIndex[string], err error) {
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(reader); err != nil {
			return
		}
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		reader = gz
	}
	return ReadBED(reader, dict, opts)
}
