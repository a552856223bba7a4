// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package walk drives cooperative per-locus traversal.  Each worker claims
// shards through a tracker.Tracker, piles up the reads of every shard it
// owns and hands each locus to a ShardVisitor.  Workers may live in the
// same process (Opts.Parallelism) or in different processes sharing a
// file-backed tracker.
package walk

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/interval"
	"github.com/grailbio/locus/pileup"
	"github.com/grailbio/locus/shard"
	"github.com/grailbio/locus/tracker"
)

// LocusContext is one visited locus.
type LocusContext struct {
	// Worker is the identity that owns Shard.
	Worker string
	Shard  shard.Shard
	Pileup *pileup.Pileup
	// Annotations lists the names of the annotation intervals overlapping
	// the locus.
	Annotations []string
}

// ShardVisitor receives the loci of one shard, in order.  Close is called
// once after the last locus, including when the shard has no loci.
type ShardVisitor interface {
	Visit(lc LocusContext) error
	Close() error
}

// ReadSource opens the reads needed for region.  If the returned iterator
// also implements io.Closer, it is closed once the region is done.
type ReadSource func(ctx context.Context, region coord.Coordinate) (pileup.ReadIterator, error)

// Opts configures Run.
type Opts struct {
	// Parallelism is the number of workers to run in this process.  0 means
	// runtime.NumCPU().
	Parallelism int
	// Name prefixes worker identities: worker i is "<Name>-<i>".  Names must
	// be unique across processes sharing a tracker.
	Name string
	// Tracker decides shard ownership.  Required.
	Tracker *tracker.Tracker
	// Shards is the shard list.  Every worker walks all of it.
	Shards []shard.Shard
	// Dict orders contigs.  Required.
	Dict *coord.Dictionary
	// Reads opens read sources.  Required.
	Reads ReadSource
	// Annotations, if set, is queried for every locus.
	Annotations *interval.OverlapIndex[string]
	// Padding is the number of positions before each shard from which reads
	// are also fetched, so that reads starting before a shard still
	// contribute to its loci.
	Padding int
	// CacheSize is passed to tracker.OnlyOwned.  0 means the tracker's
	// default.
	CacheSize int
	// NewVisitor creates the visitor for one owned shard.  Required.
	NewVisitor func(worker string, s shard.Shard) (ShardVisitor, error)
}

// DefaultOpts is the default for Run.
var DefaultOpts = Opts{
	Name: "worker",
}

// Summary describes what a Run did in this process.
type Summary struct {
	// Shards maps each worker identity to the indices of the shards it
	// processed, in processing order.
	Shards map[string][]int
	// Loci is the total number of loci visited.
	Loci int64
}

// NShards returns the total number of shards processed.
func (s Summary) NShards() int {
	n := 0
	for _, idx := range s.Shards {
		n += len(idx)
	}
	return n
}

// WorkerName returns the identity of worker i.
func WorkerName(name string, i int) string {
	return fmt.Sprintf("%s-%d", name, i)
}

// Run starts the workers and waits for them to run out of unclaimed
// shards.  The first error stops every worker at its next shard and is
// returned.
func Run(ctx context.Context, opts Opts) (Summary, error) {
	if opts.Tracker == nil || opts.Dict == nil || opts.Reads == nil || opts.NewVisitor == nil {
		return Summary{}, errors.E(errors.Invalid, "walk.Run: Tracker, Dict, Reads and NewVisitor are required")
	}
	if err := shard.Validate(opts.Shards); err != nil {
		return Summary{}, err
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if opts.Tracker.NoOp() && parallelism > 1 {
		return Summary{}, errors.E(errors.Invalid,
			fmt.Sprintf("walk.Run: a no-op tracker cannot split shards among %d workers", parallelism))
	}
	if opts.Name == "" {
		opts.Name = DefaultOpts.Name
	}
	var (
		mu      sync.Mutex
		summary = Summary{Shards: map[string][]int{}}
		once    errors.Once
	)
	log.Printf("walk.Run: starting %d worker(s) over %d shard(s)", parallelism, len(opts.Shards))
	err := traverse.Each(parallelism, func(workerIdx int) error {
		who := WorkerName(opts.Name, workerIdx)
		it := tracker.OnlyOwned[shard.Shard](opts.Tracker, tracker.NewSliceIterator(opts.Shards), who, opts.CacheSize)
		for it.Scan() {
			if once.Err() != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				once.Set(err)
				return err
			}
			s := it.Item()
			nLoci, err := walkShard(ctx, opts, who, s)
			if err != nil {
				err = errors.E(err, fmt.Sprintf("walk: %s on shard %v", who, s))
				once.Set(err)
				return err
			}
			mu.Lock()
			summary.Shards[who] = append(summary.Shards[who], s.Idx)
			summary.Loci += nLoci
			mu.Unlock()
			log.Debug.Printf("walk: %s finished shard %v (%d loci)", who, s, nLoci)
		}
		if err := it.Err(); err != nil {
			once.Set(err)
			return err
		}
		return nil
	})
	if err == nil {
		err = once.Err()
	}
	if err != nil {
		return summary, err
	}
	workers := make([]string, 0, len(summary.Shards))
	for w := range summary.Shards {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	for _, w := range workers {
		log.Printf("walk.Run: %s processed %d shard(s)", w, len(summary.Shards[w]))
	}
	return summary, nil
}

// walkShard visits the loci of one owned shard.
func walkShard(ctx context.Context, opts Opts, who string, s shard.Shard) (nLoci int64, err error) {
	v, err := opts.NewVisitor(who, s)
	if err != nil {
		return 0, err
	}
	defer func() {
		if e := v.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if s.Coord.IsUnmapped() {
		// Unmapped reads have no loci.
		return 0, nil
	}
	region := s.Coord.WithSpan(s.PaddedStart(opts.Padding), s.Coord.End)
	reads, err := opts.Reads(ctx, region)
	if err != nil {
		return 0, err
	}
	if c, ok := reads.(io.Closer); ok {
		defer func() {
			if e := c.Close(); e != nil && err == nil {
				err = e
			}
		}()
	}
	agg := pileup.NewAggregator(reads, opts.Dict)
	for agg.Scan() {
		p := agg.Pileup()
		if p.Loc.IsPast(s.Coord) {
			break
		}
		if !s.Contains(p.Loc) {
			continue
		}
		lc := LocusContext{Worker: who, Shard: s, Pileup: p}
		if opts.Annotations != nil {
			lc.Annotations = opts.Annotations.Query(p.Loc, 0, 0)
		}
		if err = v.Visit(lc); err != nil {
			return nLoci, err
		}
		nLoci++
	}
	return nLoci, agg.Err()
}
