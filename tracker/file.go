// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/locus/coord"
)

// FileLog is a Backend that appends claims to a shared text file, one
// "<coordinate> <owner>" line per claim.  The read cursor is private to
// the FileLog, so a newly opened FileLog sees every claim in the file on
// its first ReadNewLocs call.
type FileLog struct {
	path string
	dict *coord.Dictionary
	f    *os.File
	// off is the byte offset just past the last line consumed by
	// ReadNewLocs; nLines is the number of lines consumed.
	off    int64
	nLines int
}

// OpenFileLog opens (creating if needed) the claim log at path.
// Coordinates in the log are resolved against dict.
func OpenFileLog(path string, dict *coord.Dictionary) (*FileLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, errors.E(err, fmt.Sprintf("tracker: create directory for %s", path))
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("tracker: open %s", path))
	}
	return &FileLog{path: path, dict: dict, f: f}, nil
}

// Path returns the path of the log file.
func (l *FileLog) Path() string { return l.path }

// RegisterNewLocs implements Backend.  All claims are appended with a
// single write.
func (l *FileLog) RegisterNewLocs(claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, c := range claims {
		if strings.ContainsAny(c.Owner, " \t\n") || c.Owner == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("tracker: owner %q must be a single non-empty token", c.Owner))
		}
		buf.WriteString(c.Loc.String())
		buf.WriteByte(' ')
		buf.WriteString(c.Owner)
		buf.WriteByte('\n')
	}
	if _, err := l.f.Write(buf.Bytes()); err != nil {
		return errors.E(err, fmt.Sprintf("tracker: append to %s", l.path))
	}
	return nil
}

// ReadNewLocs implements Backend.  A trailing line without a newline is
// left for a later call.
func (l *FileLog) ReadNewLocs() ([]Claim, error) {
	info, err := l.f.Stat()
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("tracker: stat %s", l.path))
	}
	if info.Size() <= l.off {
		return nil, nil
	}
	data := make([]byte, info.Size()-l.off)
	n, err := l.f.ReadAt(data, l.off)
	if err != nil && err != io.EOF {
		return nil, errors.E(err, fmt.Sprintf("tracker: read %s", l.path))
	}
	data = data[:n]
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	data = data[:end+1]

	var (
		claims []Claim
		lineno = l.nLines
	)
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		line := string(data[:i])
		data = data[i+1:]
		lineno++
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tracker: %s:%d: malformed claim line %q", l.path, lineno, line))
		}
		loc, err := l.dict.Parse(fields[0])
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("tracker: %s:%d: bad coordinate", l.path, lineno))
		}
		claims = append(claims, Claim{Loc: loc, Owner: fields[1]})
	}
	// The cursor and the line count move together, and only past lines
	// that parsed.
	l.off += int64(end + 1)
	l.nLines = lineno
	log.Debug.Printf("tracker: read %d claim(s) from %s, offset now %d", len(claims), l.path, l.off)
	return claims, nil
}

// Close implements Backend.
func (l *FileLog) Close() error {
	if err := l.f.Close(); err != nil {
		return errors.E(err, fmt.Sprintf("tracker: close %s", l.path))
	}
	return nil
}
