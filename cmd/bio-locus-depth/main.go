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

/*
bio-locus-depth reports the read depth at every covered position of a BAM,
one TSV per shard.  Several invocations pointed at the same -tracker log
split the shards between them, each shard being processed exactly once.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s.%d", host, os.Getpid())
}

var (
	trackerPath = flag.String("tracker", "", "Shared claim log path; required unless -lock=none")
	lockMode    = flag.String("lock", "file", "Claim coordination: 'file' (processes sharing -tracker), 'thread' (this process only), or 'none' (no claim log; this process's workers split the shards in memory)")
	statusPath  = flag.String("status", "", "Optional path of the tracker lock status TSV")
	bedPath     = flag.String("bed", "", "Optional BED of named intervals to annotate loci with")
	outPrefix   = flag.String("out", "bio-locus-depth", "Output path prefix; shard i is written to <prefix>.<i>.tsv")
	name        = flag.String("name", defaultName(), "Identity of this process in the claim log; must be unique among cooperating processes")
	shardSize   = flag.Int("shard-size", 1000000, "Number of positions per shard")
	padding     = flag.Int("padding", 1000, "Reads starting up to this many positions before a shard are included; should be at least the maximum read span")
	parallelism = flag.Int("parallelism", 0, "Number of local workers; 0 = runtime.NumCPU()")
)

func bioLocusDepthUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bioLocusDepthUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Exactly one positional argument (bampath) expected; please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	if *trackerPath == "" && *lockMode != "none" {
		log.Fatalf("-tracker is required unless -lock=none")
	}
	ctx := vcontext.Background()
	opts := depthOpts{
		bamPath:     flag.Arg(0),
		trackerPath: *trackerPath,
		lockMode:    *lockMode,
		statusPath:  *statusPath,
		bedPath:     *bedPath,
		outPrefix:   *outPrefix,
		name:        *name,
		shardSize:   *shardSize,
		padding:     *padding,
		parallelism: *parallelism,
	}
	if _, err := run(ctx, opts); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
