// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tracker

import (
	"github.com/grailbio/locus/coord"
)

// Claim records that Owner has taken responsibility for processing Loc.
// Claims are plain values; two claims are equal iff their location and
// owner are equal.
type Claim struct {
	Loc   coord.Coordinate
	Owner string
}

// OwnedBy reports whether the claim belongs to who.  Callers of
// ClaimOwnership use it to find out whether they won.
func (c Claim) OwnedBy(who string) bool { return c.Owner == who }

// String renders the claim in its log-line form, without the newline.
func (c Claim) String() string { return c.Loc.String() + " " + c.Owner }

// Backend persists claims so that they can be seen by every tracker
// sharing the backend.
//
// RegisterNewLocs durably appends claims.  ReadNewLocs returns the claims
// appended since the previous successful ReadNewLocs call on the same
// Backend; it returns an empty slice when nothing new exists.
//
// A Backend is not itself synchronized; the Tracker serializes calls while
// holding its lock.
type Backend interface {
	RegisterNewLocs(claims []Claim) error
	ReadNewLocs() ([]Claim, error)
	Close() error
}
