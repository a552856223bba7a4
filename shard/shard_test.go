package shard_test

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/locus/coord"
	"github.com/grailbio/locus/shard"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestPositionBasedShards(t *testing.T) {
	dict, err := coord.NewDictionary([]coord.Contig{
		{Name: "chr1", Len: 25},
		{Name: "chr2", Len: 10},
		{Name: "chrM"},
	})
	assert.NoError(t, err)
	shards, err := shard.PositionBasedShards(dict, 10, true)
	assert.NoError(t, err)
	var got []string
	for _, s := range shards {
		got = append(got, s.String())
	}
	expect.EQ(t, got, []string{
		"0:chr1:1-10", "1:chr1:11-20", "2:chr1:21-25",
		"3:chr2:1-10",
		"4:chrM",
		"5:unmapped",
	})
	expect.True(t, shards[1].Contains(dict.MustParse("chr1:15")))
	expect.False(t, shards[1].Contains(dict.MustParse("chr1:20-21")))
	expect.EQ(t, shards[1].PaddedStart(5), 6)
	expect.EQ(t, shards[0].PaddedStart(5), 1)
	expect.EQ(t, shards[3].Location(), dict.MustParse("chr2:1-10"))

	_, err = shard.PositionBasedShards(dict, 0, false)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestValidate(t *testing.T) {
	dict, err := coord.NewDictionaryFromNames("chr1")
	assert.NoError(t, err)
	a := shard.Shard{Coord: dict.MustParse("chr1:1-10"), Idx: 0}
	b := shard.Shard{Coord: dict.MustParse("chr1:10-20"), Idx: 1}
	expect.True(t, errors.Is(errors.Invalid, shard.Validate([]shard.Shard{a, b})))
	b.Coord = dict.MustParse("chr1:11-20")
	expect.NoError(t, shard.Validate([]shard.Shard{a, b}))
	b.Idx = 5
	expect.True(t, errors.Is(errors.Invalid, shard.Validate([]shard.Shard{a, b})))
}
