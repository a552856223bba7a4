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
package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/interval"
	"github.com/grailbio/locus/pileup"
	"github.com/grailbio/locus/shard"
	"github.com/grailbio/locus/tracker"
	"github.com/grailbio/locus/walk"
	"github.com/pkg/errors"
)

// depthOpts holds the command-line configuration.
type depthOpts struct {
	bamPath     string
	trackerPath string
	lockMode    string
	statusPath  string
	bedPath     string
	outPrefix   string
	name        string
	shardSize   int
	padding     int
	parallelism int
}

// bamSource reads regions of a coordinate-sorted BAM file.  When the BAM
// has a <path>.bai index, a region is read from the first index chunk that
// may hold it.  Otherwise every region scans the file from its first
// record.
type bamSource struct {
	path  string
	index *bam.Index
}

func newBAMSource(ctx context.Context, path string) (src *bamSource, err error) {
	src = &bamSource{path: path}
	indexPath := path + ".bai"
	var in file.File
	if in, err = file.Open(ctx, indexPath); err != nil {
		if gerrors.Is(gerrors.NotExist, err) {
			log.Printf("bio-locus-depth: %s not found; every shard scans %s from the start", indexPath, path)
			return src, nil
		}
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if src.index, err = bam.ReadIndex(in.Reader(ctx)); err != nil {
		return nil, errors.Wrapf(err, "bio-locus-depth: reading %s", indexPath)
	}
	return src, nil
}

// noRecords is a SAMSource with nothing in it.
type noRecords struct{}

func (noRecords) Read() (*sam.Record, error) { return nil, io.EOF }

// bamReads reads one region of a BAM file.
type bamReads struct {
	*pileup.SAMIterator
	ctx context.Context
	in  file.File
	rd  *bam.Reader
}

// open returns the reads of region.  The records before region are skipped
// by SAMIterator, so seeking only has to land at or before the first
// record of the region.
func (s *bamSource) open(ctx context.Context, region coord.Coordinate) (*bamReads, error) {
	in, err := file.Open(ctx, s.path)
	if err != nil {
		return nil, err
	}
	rd, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		_ = in.Close(ctx)
		return nil, errors.Wrapf(err, "bio-locus-depth: reading %s", s.path)
	}
	r := &bamReads{ctx: ctx, in: in, rd: rd}
	var src pileup.SAMSource = rd
	if s.index != nil && region.Contig != "" && !region.IsUnmapped() {
		found, err := r.seek(s.index, region)
		if err != nil {
			_ = r.Close()
			return nil, errors.Wrapf(err, "bio-locus-depth: seeking to %v in %s", region, s.path)
		}
		if !found {
			src = noRecords{}
		}
	}
	r.SAMIterator = pileup.NewSAMIterator(src, region)
	return r, nil
}

// seek positions the reader at the first index chunk overlapping region.
// It returns false if the index has no records there.
func (r *bamReads) seek(idx *bam.Index, region coord.Coordinate) (bool, error) {
	refs := r.rd.Header().Refs()
	if region.ContigIndex >= len(refs) {
		return false, nil
	}
	beg := region.Start - 1
	if beg < 0 {
		beg = 0
	}
	chunks, err := idx.Chunks(refs[region.ContigIndex], beg, region.End)
	if err == index.ErrInvalid || err == index.ErrNoReference || (err == nil && len(chunks) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, r.rd.Seek(chunks[0].Begin)
}

func (r *bamReads) Close() error {
	err := r.rd.Close()
	if e := r.in.Close(r.ctx); e != nil && err == nil {
		err = e
	}
	return err
}

func readHeader(ctx context.Context, path string) (header *sam.Header, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, in, &err)
	rd, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, errors.Wrapf(err, "bio-locus-depth: reading header of %s", path)
	}
	header = rd.Header()
	err = rd.Close()
	return
}

func newTracker(ctx context.Context, opts depthOpts, dict *coord.Dictionary) (*tracker.Tracker, func() error, error) {
	topts := tracker.DefaultOpts
	closeStatus := func() error { return nil }
	if opts.statusPath != "" {
		out, err := file.Create(ctx, opts.statusPath)
		if err != nil {
			return nil, nil, err
		}
		topts.Status = out.Writer(ctx)
		topts.ProcessID = opts.name
		closeStatus = func() error { return out.Close(ctx) }
	}
	var (
		t   *tracker.Tracker
		err error
	)
	switch opts.lockMode {
	case "none":
		// Workers of this process still split the shards among themselves.
		if opts.parallelism == 1 {
			t = tracker.NewNoOp()
		} else {
			t, err = tracker.NewSharedMemory(topts)
		}
	case "thread":
		t, err = tracker.NewFileBackedThreaded(opts.trackerPath, dict, topts)
	case "file":
		t, err = tracker.NewFileBackedDistributed(opts.trackerPath, dict, topts)
	default:
		err = errors.Errorf("bio-locus-depth: unknown -lock mode %q", opts.lockMode)
	}
	if err != nil {
		_ = closeStatus()
		return nil, nil, err
	}
	return t, closeStatus, nil
}

// depthWriter writes the loci of one shard as TSV.
type depthWriter struct {
	ctx context.Context
	out file.File
	w   *tsv.Writer
}

func newDepthWriter(ctx context.Context, path string) (*depthWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := tsv.NewWriter(out.Writer(ctx))
	for _, col := range []string{"#CHROM", "POS", "DEPTH", "FWD", "REV", "ANNOTATIONS"} {
		w.WriteString(col)
	}
	if err := w.EndLine(); err != nil {
		_ = out.Close(ctx)
		return nil, err
	}
	return &depthWriter{ctx: ctx, out: out, w: w}, nil
}

func (d *depthWriter) Visit(lc walk.LocusContext) error {
	p := lc.Pileup
	var nFwd, nRev uint32
	for _, r := range p.Reads {
		if sr, ok := r.(*pileup.SAMRead); ok {
			switch sr.Strand() {
			case pileup.StrandFwd:
				nFwd++
			case pileup.StrandRev:
				nRev++
			}
		}
	}
	d.w.WriteString(p.Loc.Contig)
	d.w.WriteUint32(uint32(p.Loc.Start))
	d.w.WriteUint32(uint32(p.Depth()))
	d.w.WriteUint32(nFwd)
	d.w.WriteUint32(nRev)
	if len(lc.Annotations) == 0 {
		d.w.WriteString(".")
	} else {
		d.w.WriteString(strings.Join(lc.Annotations, ","))
	}
	return d.w.EndLine()
}

func (d *depthWriter) Close() (err error) {
	err = d.w.Flush()
	file.CloseAndReport(d.ctx, d.out, &err)
	return
}

// shardPath is the output path of shard s.
func shardPath(prefix string, s shard.Shard) string {
	return fmt.Sprintf("%s.%05d.tsv", prefix, s.Idx)
}

func run(ctx context.Context, opts depthOpts) (summary walk.Summary, err error) {
	header, err := readHeader(ctx, opts.bamPath)
	if err != nil {
		return
	}
	dict, err := coord.NewDictionaryFromSAMHeader(header)
	if err != nil {
		return
	}
	shards, err := shard.PositionBasedShards(dict, opts.shardSize, false)
	if err != nil {
		return
	}
	var annotations *interval.OverlapIndex[string]
	if opts.bedPath != "" {
		if annotations, err = interval.LoadBED(ctx, opts.bedPath, dict, interval.DefaultBEDOpts); err != nil {
			return
		}
	}
	bams, err := newBAMSource(ctx, opts.bamPath)
	if err != nil {
		return
	}
	t, closeStatus, err := newTracker(ctx, opts, dict)
	if err != nil {
		return
	}
	defer func() {
		if e := t.Close(); e != nil && err == nil {
			err = e
		}
		if e := closeStatus(); e != nil && err == nil {
			err = e
		}
	}()

	wopts := walk.DefaultOpts
	wopts.Parallelism = opts.parallelism
	wopts.Name = opts.name
	wopts.Tracker = t
	wopts.Shards = shards
	wopts.Dict = dict
	wopts.Annotations = annotations
	wopts.Padding = opts.padding
	wopts.Reads = func(ctx context.Context, region coord.Coordinate) (pileup.ReadIterator, error) {
		return bams.open(ctx, region)
	}
	wopts.NewVisitor = func(worker string, s shard.Shard) (walk.ShardVisitor, error) {
		return newDepthWriter(ctx, shardPath(opts.outPrefix, s))
	}
	if summary, err = walk.Run(ctx, wopts); err != nil {
		return
	}
	stats := t.Stats()
	log.Printf("bio-locus-depth: %d shard(s), %d loci; tracker: %d locks (%v each), %d reads, %d writes",
		summary.NShards(), summary.Loci, stats.Locks, stats.TimePerLock(), stats.Reads, stats.Writes)
	return
}
