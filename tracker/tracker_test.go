package tracker_test

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/lock"
	"github.com/grailbio/locus/shard"
	"github.com/grailbio/locus/tracker"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDict(t *testing.T) *coord.Dictionary {
	d, err := coord.NewDictionary([]coord.Contig{
		{Name: "chr1", Len: 1000},
		{Name: "chr2", Len: 500},
	})
	require.NoError(t, err)
	return d
}

func testShards(t *testing.T, d *coord.Dictionary) []shard.Shard {
	shards, err := shard.PositionBasedShards(d, 100, true)
	require.NoError(t, err)
	require.Len(t, shards, 16)
	return shards
}

// newTrackerFunc creates a tracker for worker i.  Implementations may
// return the same tracker for every worker.
type newTrackerFunc func(t *testing.T, i int) *tracker.Tracker

type trackerKind struct {
	name string
	// setup returns a constructor, and a cleanup function to be called
	// after every tracker has been closed.
	setup func(t *testing.T) (newTrackerFunc, func())
}

func trackerKinds(t *testing.T) []trackerKind {
	d := testDict(t)
	return []trackerKind{
		{"memory", func(t *testing.T) (newTrackerFunc, func()) {
			tr, err := tracker.NewSharedMemory(tracker.DefaultOpts)
			require.NoError(t, err)
			return func(*testing.T, int) *tracker.Tracker { return tr }, func() {}
		}},
		{"threaded", func(t *testing.T) (newTrackerFunc, func()) {
			tmpdir, cleanup := testutil.TempDir(t, "", "")
			tr, err := tracker.NewFileBackedThreaded(filepath.Join(tmpdir, "claims.log"), d, tracker.DefaultOpts)
			require.NoError(t, err)
			return func(*testing.T, int) *tracker.Tracker { return tr }, cleanup
		}},
		{"distributed", func(t *testing.T) (newTrackerFunc, func()) {
			tmpdir, cleanup := testutil.TempDir(t, "", "")
			opts := tracker.DefaultOpts
			opts.FileLock = lock.FileLockOpts{MaxAttempts: 10000, RetryInterval: time.Millisecond}
			var (
				mu       sync.Mutex
				trackers = map[int]*tracker.Tracker{}
			)
			// Each worker gets its own tracker, the way separate processes
			// would.
			return func(t *testing.T, i int) *tracker.Tracker {
				mu.Lock()
				defer mu.Unlock()
				if tr, ok := trackers[i]; ok {
					return tr
				}
				tr, err := tracker.NewFileBackedDistributed(filepath.Join(tmpdir, "claims.log"), d, opts)
				require.NoError(t, err)
				trackers[i] = tr
				return tr
			}, cleanup
		}},
	}
}

func closeAll(t *testing.T, trackers ...*tracker.Tracker) {
	seen := map[*tracker.Tracker]bool{}
	for _, tr := range trackers {
		if !seen[tr] {
			seen[tr] = true
			require.NoError(t, tr.Close())
		}
	}
}

func TestClaimLost(t *testing.T) {
	d := testDict(t)
	loc := d.MustParse("chr1:100-200")
	for _, kind := range trackerKinds(t) {
		t.Run(kind.name, func(t *testing.T) {
			newTracker, cleanup := kind.setup(t)
			defer cleanup()
			t1, t2 := newTracker(t, 1), newTracker(t, 2)

			c, err := t1.ClaimOwnership(loc, "worker1")
			require.NoError(t, err)
			assert.True(t, c.OwnedBy("worker1"))

			c, err = t2.ClaimOwnership(loc, "worker2")
			require.NoError(t, err)
			assert.Equal(t, tracker.Claim{Loc: loc, Owner: "worker1"}, c)
			assert.False(t, c.OwnedBy("worker2"))

			owned, err := t2.LocIsOwned(loc)
			require.NoError(t, err)
			assert.True(t, owned)
			owned, err = t2.LocIsOwned(d.MustParse("chr1:201-300"))
			require.NoError(t, err)
			assert.False(t, owned)
			closeAll(t, t1, t2)
		})
	}
}

func TestSingleProcess(t *testing.T) {
	d := testDict(t)
	shards := testShards(t, d)
	tr, err := tracker.NewSharedMemory(tracker.DefaultOpts)
	require.NoError(t, err)

	for _, s := range shards {
		_, ok, err := tr.FindOwner(s.Location())
		require.NoError(t, err)
		assert.False(t, ok)
		c, err := tr.ClaimOwnership(s.Location(), "me")
		require.NoError(t, err)
		expect.True(t, c.OwnedBy("me"))
	}
	// Reclaiming returns the same record.
	for _, s := range shards {
		c, err := tr.ClaimOwnership(s.Location(), "me")
		require.NoError(t, err)
		expect.EQ(t, c, tracker.Claim{Loc: s.Location(), Owner: "me"})
		c, err = tr.ClaimOwnership(s.Location(), "you")
		require.NoError(t, err)
		expect.EQ(t, c.Owner, "me")
	}
	claims, err := tr.Claims()
	require.NoError(t, err)
	require.Len(t, claims, len(shards))
	for i, s := range shards {
		expect.EQ(t, claims[i].Loc, s.Location())
	}
	require.NoError(t, tr.Close())
}

func TestStats(t *testing.T) {
	d := testDict(t)
	tr, err := tracker.NewSharedMemory(tracker.DefaultOpts)
	require.NoError(t, err)
	_, err = tr.ClaimOwnership(d.MustParse("chr1:1-10"), "me")
	require.NoError(t, err)
	s := tr.Stats()
	assert.EqualValues(t, 1, s.Locks)
	assert.EqualValues(t, 1, s.Reads)
	assert.EqualValues(t, 1, s.Writes)

	// Known locations are answered from memory.
	_, err = tr.ClaimOwnership(d.MustParse("chr1:1-10"), "me")
	require.NoError(t, err)
	s = tr.Stats()
	assert.EqualValues(t, 2, s.Locks)
	assert.EqualValues(t, 1, s.Reads)
	assert.EqualValues(t, 1, s.Writes)
	assert.True(t, s.TimePerLock() >= 0)
	require.NoError(t, tr.Close())
}

func TestIdempotentClaimLog(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	d := testDict(t)
	path := filepath.Join(tmpdir, "claims.log")

	tr, err := tracker.NewFileBackedThreaded(path, d, tracker.DefaultOpts)
	require.NoError(t, err)
	loc := d.MustParse("chr1:100-200")
	for i := 0; i < 3; i++ {
		c, err := tr.ClaimOwnership(loc, "worker1")
		require.NoError(t, err)
		assert.True(t, c.OwnedBy("worker1"))
	}
	_, err = tr.ClaimOwnership(loc, "worker2")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "chr1:100-200 worker1\n", string(data))

	// A fresh tracker rereads the whole log.
	tr, err = tracker.NewFileBackedThreaded(path, d, tracker.DefaultOpts)
	require.NoError(t, err)
	c, err := tr.ClaimOwnership(loc, "worker2")
	require.NoError(t, err)
	assert.Equal(t, "worker1", c.Owner)
	require.NoError(t, tr.Close())
}

func TestFileLogRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	d := testDict(t)
	path := filepath.Join(tmpdir, "sub", "claims.log")

	w1, err := tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	w2, err := tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	r, err := tracker.OpenFileLog(path, d)
	require.NoError(t, err)

	var want, got []tracker.Claim
	for i, s := range testShards(t, d) {
		c := tracker.Claim{Loc: s.Location(), Owner: fmt.Sprintf("w%d", i%2)}
		w := w1
		if i%2 == 1 {
			w = w2
		}
		if i%3 == 0 {
			// Multi-record writes land in order.
			require.NoError(t, w.RegisterNewLocs([]tracker.Claim{c, c}))
			want = append(want, c, c)
		} else {
			require.NoError(t, w.RegisterNewLocs([]tracker.Claim{c}))
			want = append(want, c)
		}
		if i%5 == 0 {
			claims, err := r.ReadNewLocs()
			require.NoError(t, err)
			got = append(got, claims...)
			assert.Equal(t, want, got)
		}
	}
	claims, err := r.ReadNewLocs()
	require.NoError(t, err)
	got = append(got, claims...)
	assert.Equal(t, want, got)
	claims, err = r.ReadNewLocs()
	require.NoError(t, err)
	assert.Empty(t, claims)

	fresh, err := tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	claims, err = fresh.ReadNewLocs()
	require.NoError(t, err)
	assert.Equal(t, want, claims)

	for _, l := range []*tracker.FileLog{w1, w2, r, fresh} {
		require.NoError(t, l.Close())
	}
}

func TestFileLogMalformed(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	d := testDict(t)
	path := filepath.Join(tmpdir, "claims.log")
	require.NoError(t, ioutil.WriteFile(path, []byte("chr1:1-10 a\nchr1:11-20\n"), 0644))

	l, err := tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	_, err = l.ReadNewLocs()
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	assert.Contains(t, err.Error(), path+":2")
	// A retry reports the same line.
	_, err = l.ReadNewLocs()
	require.Error(t, err)
	assert.Contains(t, err.Error(), path+":2:")
	require.NoError(t, l.Close())

	// Line numbers continue across calls.
	require.NoError(t, ioutil.WriteFile(path, []byte("chr1:1-10 a\n"), 0644))
	l, err = tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	got, err := l.ReadNewLocs()
	require.NoError(t, err)
	require.Len(t, got, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("chr1:11-20 b\nbogus\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	for i := 0; i < 2; i++ {
		_, err = l.ReadNewLocs()
		require.Error(t, err)
		assert.Contains(t, err.Error(), path+":3:")
	}
	require.NoError(t, l.Close())

	// Trailing partial lines are not consumed.
	require.NoError(t, ioutil.WriteFile(path, []byte("chr1:1-10 a\nchr1:11-20 b"), 0644))
	l, err = tracker.OpenFileLog(path, d)
	require.NoError(t, err)
	got, err = l.ReadNewLocs()
	require.NoError(t, err)
	assert.Equal(t, []tracker.Claim{{Loc: d.MustParse("chr1:1-10"), Owner: "a"}}, got)
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, err = l.ReadNewLocs()
	require.NoError(t, err)
	assert.Equal(t, []tracker.Claim{{Loc: d.MustParse("chr1:11-20"), Owner: "b"}}, got)
	require.NoError(t, l.Close())
}

func TestOnlyOwned(t *testing.T) {
	d := testDict(t)
	shards := testShards(t, d)
	for _, kind := range trackerKinds(t) {
		t.Run(kind.name, func(t *testing.T) {
			newTracker, cleanup := kind.setup(t)
			defer cleanup()
			other, me := newTracker(t, 0), newTracker(t, 1)

			// Someone else already owns every third shard.
			var want []shard.Shard
			for i, s := range shards {
				if i%3 == 0 {
					c, err := other.ClaimOwnership(s.Location(), "other")
					require.NoError(t, err)
					require.True(t, c.OwnedBy("other"))
				} else {
					want = append(want, s)
				}
			}
			it := tracker.OnlyOwned[shard.Shard](me, tracker.NewSliceIterator(shards), "me", 3)
			var got []shard.Shard
			for it.Scan() {
				got = append(got, it.Item())
			}
			require.NoError(t, it.Err())
			assert.Equal(t, want, got)

			claims, err := other.Claims()
			require.NoError(t, err)
			require.Len(t, claims, len(shards))
			for i, c := range claims {
				assert.Equal(t, shards[i].Location(), c.Loc)
				if i%3 == 0 {
					assert.Equal(t, "other", c.Owner)
				} else {
					assert.Equal(t, "me", c.Owner)
				}
			}
			// A second pass finds nothing left.
			it = tracker.OnlyOwned[shard.Shard](me, tracker.NewSliceIterator(shards), "me", 0)
			assert.False(t, it.Scan())
			assert.NoError(t, it.Err())
			closeAll(t, other, me)
		})
	}
}

func TestOnlyOwnedStopsAtUnmapped(t *testing.T) {
	d := testDict(t)
	tr, err := tracker.NewSharedMemory(tracker.DefaultOpts)
	require.NoError(t, err)
	a := shard.Shard{Coord: d.MustParse("chr1:1-100"), Idx: 0}
	u := shard.Shard{Coord: coord.Unmapped, Idx: 1}
	b := shard.Shard{Coord: d.MustParse("chr1:101-200"), Idx: 2}

	it := tracker.OnlyOwned[shard.Shard](tr, tracker.NewSliceIterator([]shard.Shard{a, u, b}), "me", 20)
	require.True(t, it.Scan())
	assert.Equal(t, a, it.Item())
	// The first batch ended at the unmapped shard.
	owned, err := tr.LocIsOwned(b.Location())
	require.NoError(t, err)
	assert.False(t, owned)
	owned, err = tr.LocIsOwned(coord.Unmapped)
	require.NoError(t, err)
	assert.True(t, owned)

	require.True(t, it.Scan())
	assert.Equal(t, u, it.Item())
	require.True(t, it.Scan())
	assert.Equal(t, b, it.Item())
	assert.False(t, it.Scan())
	require.NoError(t, tr.Close())
}

func TestClaimNextAvailable(t *testing.T) {
	d := testDict(t)
	shards := testShards(t, d)
	tr, err := tracker.NewSharedMemory(tracker.DefaultOpts)
	require.NoError(t, err)
	_, err = tr.ClaimOwnership(shards[0].Location(), "other")
	require.NoError(t, err)

	src := tracker.NewSliceIterator(shards)
	s, ok, err := tracker.ClaimNextAvailable[shard.Shard](tr, src, "me")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, shards[1], s)
	// Only one item was consumed from the source.
	s, ok, err = tracker.ClaimNextAvailable[shard.Shard](tr, src, "me")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, shards[2], s)
	require.NoError(t, tr.Close())
}

// TestConcurrentClaimSameLocation races many workers claiming one location
// and checks that they all agree on a single winner.
func TestConcurrentClaimSameLocation(t *testing.T) {
	const nWorkers = 8
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	d := testDict(t)
	loc := d.MustParse("chr2:101-200")
	opts := tracker.DefaultOpts
	opts.FileLock = lock.FileLockOpts{MaxAttempts: 10000, RetryInterval: time.Millisecond}

	for _, kind := range []string{"memory", "threaded", "distributed"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(tmpdir, kind+".log")
			mlog := tracker.NewMemoryLog()
			trackers := make([]*tracker.Tracker, nWorkers)
			for i := range trackers {
				var err error
				switch {
				case kind == "distributed":
					trackers[i], err = tracker.NewFileBackedDistributed(path, d, opts)
				case i > 0:
					trackers[i] = trackers[0]
				case kind == "memory":
					trackers[i], err = tracker.New(mlog.NewCursor(), lock.NewMutex(), opts)
				default:
					trackers[i], err = tracker.NewFileBackedThreaded(path, d, opts)
				}
				require.NoError(t, err)
			}

			var (
				wg     sync.WaitGroup
				start  = make(chan struct{})
				claims = make([]tracker.Claim, nWorkers)
				errs   = make([]error, nWorkers)
			)
			for i := 0; i < nWorkers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					claims[i], errs[i] = trackers[i].ClaimOwnership(loc, fmt.Sprintf("worker%d", i))
				}(i)
			}
			close(start)
			wg.Wait()

			owners := map[string]bool{}
			for i := range claims {
				require.NoError(t, errs[i])
				assert.Equal(t, loc, claims[i].Loc)
				owners[claims[i].Owner] = true
			}
			require.Len(t, owners, 1, "%v", owners)
			winner := claims[0].Owner
			assert.True(t, strings.HasPrefix(winner, "worker"), winner)
			closeAll(t, trackers...)

			if kind == "memory" {
				assert.Equal(t, []tracker.Claim{{Loc: loc, Owner: winner}}, mlog.Claims())
				return
			}
			data, err := ioutil.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, loc.String()+" "+winner+"\n", string(data))
		})
	}
}

// TestConcurrentWorkers runs several workers over overlapping suffixes of
// the shard list and checks that every shard is processed exactly once, by
// the worker that owns it.
func TestConcurrentWorkers(t *testing.T) {
	const nWorkers = 4
	d := testDict(t)
	shards := testShards(t, d)
	for _, kind := range trackerKinds(t) {
		t.Run(kind.name, func(t *testing.T) {
			newTracker, cleanup := kind.setup(t)
			defer cleanup()

			var (
				mu        sync.Mutex
				processed = map[coord.Coordinate][]string{}
				trackers  = make([]*tracker.Tracker, nWorkers)
			)
			for i := range trackers {
				trackers[i] = newTracker(t, i)
			}
			err := traverse.Each(nWorkers, func(i int) error {
				tr := trackers[i]
				who := fmt.Sprintf("worker%d", i)
				src := tracker.NewSliceIterator(shards[i+1:])
				visit := func(s shard.Shard) {
					mu.Lock()
					processed[s.Location()] = append(processed[s.Location()], who)
					mu.Unlock()
				}
				if i%2 == 0 {
					it := tracker.OnlyOwned[shard.Shard](tr, src, who, 2)
					for it.Scan() {
						visit(it.Item())
					}
					return it.Err()
				}
				for {
					s, ok, err := tracker.ClaimNextAvailable[shard.Shard](tr, src, who)
					if err != nil || !ok {
						return err
					}
					visit(s)
				}
			})
			require.NoError(t, err)

			claims, err := trackers[0].Claims()
			require.NoError(t, err)
			require.Len(t, claims, len(shards)-1)
			for _, c := range claims {
				owners := processed[c.Loc]
				require.Len(t, owners, 1, "%v", c.Loc)
				assert.Equal(t, c.Owner, owners[0])
			}
			assert.Len(t, processed, len(shards)-1)
			_, ok := processed[shards[0].Location()]
			assert.False(t, ok)
			closeAll(t, trackers...)
		})
	}
}

func TestNoOp(t *testing.T) {
	d := testDict(t)
	shards := testShards(t, d)
	tr := tracker.NewNoOp()
	loc := d.MustParse("chr1:100-200")
	for _, who := range []string{"worker1", "worker2"} {
		c, err := tr.ClaimOwnership(loc, who)
		require.NoError(t, err)
		assert.True(t, c.OwnedBy(who))
	}
	owned, err := tr.LocIsOwned(loc)
	require.NoError(t, err)
	assert.False(t, owned)
	claims, err := tr.Claims()
	require.NoError(t, err)
	assert.Empty(t, claims)

	n := 0
	it := tracker.OnlyOwned[shard.Shard](tr, tracker.NewSliceIterator(shards), "me", 0)
	for it.Scan() {
		assert.Equal(t, shards[n], it.Item())
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, len(shards), n)
	require.NoError(t, tr.Close())
}

func TestStatusStream(t *testing.T) {
	d := testDict(t)
	var buf bytes.Buffer
	opts := tracker.DefaultOpts
	opts.Status = &buf
	opts.ProcessID = "p1"
	tr, err := tracker.NewSharedMemory(opts)
	require.NoError(t, err)
	assert.Equal(t, "process.id\thr.time\ttime\tstate\n", buf.String())

	_, err = tr.ClaimOwnership(d.MustParse("chr1:1-10"), "me")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	var states []string
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, 4, line)
		assert.Equal(t, "p1", fields[0])
		assert.Len(t, fields[1], len("15:04:05.000"))
		states = append(states, fields[3])
	}
	assert.Equal(t, []string{
		tracker.StateGoingForLock,
		tracker.StateHaveLock,
		tracker.StateReleasingLock,
		tracker.StateRunning,
	}, states)
}
