package mirror

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id int64, rel string, d Digest) Entry {
	name, parent := SplitRel(rel)
	return Entry{ID: id, Name: name, ParentPath: parent, Digest: d}
}

func TestPickSurvivor_LongestName(t *testing.T) {
	d := Digest{3}
	x := entryAt(1, "/a/x.txt", d)
	yy := entryAt(2, "/a/yy.txt", d)

	survivor, losers, err := PickSurvivor([]Entry{x, yy}, PolicyLongestName)
	require.NoError(t, err)
	assert.Equal(t, "/a/yy.txt", survivor.RelPath())
	require.Len(t, losers, 1)
	assert.Equal(t, "/a/x.txt", losers[0].RelPath())
}

func TestPickSurvivor_TieBreakIsOrderIndependent(t *testing.T) {
	d := Digest{3}
	a := entryAt(5, "/b/abc.txt", d)
	b := entryAt(1, "/a/xyz.txt", d)

	s1, _, err := PickSurvivor([]Entry{a, b}, PolicyLongestName)
	require.NoError(t, err)
	s2, _, err := PickSurvivor([]Entry{b, a}, PolicyLongestName)
	require.NoError(t, err)

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, "/a/xyz.txt", s1.RelPath())
}

func TestPickSurvivor_CountsRunesNotBytes(t *testing.T) {
	d := Digest{3}
	ascii := entryAt(1, "/abcd.txt", d)
	wide := entryAt(2, "/\u00e4\u00f6\u00fc.txt", d) // 7 runes, 10 bytes

	survivor, _, err := PickSurvivor([]Entry{ascii, wide}, PolicyLongestName)
	require.NoError(t, err)
	assert.Equal(t, ascii.ID, survivor.ID)
}

func TestPickSurvivor_CombiningMarksDoNotLengthenName(t *testing.T) {
	d := Digest{3}
	nfd := entryAt(1, "/cafe\u0301.txt", d) // 9 runes, 8 once composed
	plain := entryAt(2, "/cafe.txt", d)      // 8 runes

	survivor, _, err := PickSurvivor([]Entry{nfd, plain}, PolicyLongestName)
	require.NoError(t, err)
	assert.Equal(t, plain.ID, survivor.ID, "equal length; the smaller path wins")
}

func TestPickSurvivor_Oldest(t *testing.T) {
	d := Digest{3}
	old := entryAt(1, "/a.txt", d)
	old.ModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	young := entryAt(2, "/a-much-longer-name.txt", d)
	young.ModTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	survivor, losers, err := PickSurvivor([]Entry{young, old}, PolicyOldest)
	require.NoError(t, err)
	assert.Equal(t, old.ID, survivor.ID)
	assert.Equal(t, []Entry{young}, losers)
}

func TestPickSurvivor_Empty(t *testing.T) {
	_, _, err := PickSurvivor(nil, PolicyLongestName)
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestParseSurvivorPolicy(t *testing.T) {
	p, err := ParseSurvivorPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyLongestName, p)

	p, err = ParseSurvivorPolicy("oldest")
	require.NoError(t, err)
	assert.Equal(t, PolicyOldest, p)

	_, err = ParseSurvivorPolicy("newest")
	assert.Error(t, err)
}

func TestResolveCrossTree_PrefersInPlace(t *testing.T) {
	d := Digest{1}
	src := entryAt(10, "/docs/a.txt", d)
	elsewhere := entryAt(1, "/old/a.txt", d)
	inPlace := entryAt(2, "/docs/a.txt", d)

	got, reason, err := ResolveCrossTree(src, []Entry{elsewhere, inPlace}, func(Entry) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, ResolvedInPlace, reason)
	assert.Equal(t, inPlace.ID, got.ID)
}

func TestResolveCrossTree_InPlaceMustExist(t *testing.T) {
	d := Digest{1}
	src := entryAt(10, "/docs/a.txt", d)
	elsewhere := entryAt(1, "/old/a.txt", d)
	inPlace := entryAt(2, "/docs/a.txt", d)

	exists := func(e Entry) bool { return e.ID != inPlace.ID }
	got, reason, err := ResolveCrossTree(src, []Entry{inPlace, elsewhere}, exists)
	require.NoError(t, err)
	assert.Equal(t, ResolvedExisting, reason)
	assert.Equal(t, elsewhere.ID, got.ID)
}

func TestResolveCrossTree_FirstExistingByID(t *testing.T) {
	d := Digest{1}
	src := entryAt(10, "/docs/a.txt", d)
	c3 := entryAt(3, "/c.txt", d)
	c1 := entryAt(1, "/a.txt", d)
	c2 := entryAt(2, "/b.txt", d)

	exists := func(e Entry) bool { return e.ID != 1 }
	got, _, err := ResolveCrossTree(src, []Entry{c3, c1, c2}, exists)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ID)
}

func TestResolveCrossTree_NoneExist(t *testing.T) {
	d := Digest{1}
	src := entryAt(10, "/docs/a.txt", d)
	_, _, err := ResolveCrossTree(src, []Entry{entryAt(1, "/a.txt", d)}, func(Entry) bool { return false })

	assert.ErrorIs(t, err, ErrAmbiguous)
	var amb *AmbiguityError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, d, amb.Digest)
	assert.Equal(t, 1, amb.Candidates)
}

func TestMatchByMetadata(t *testing.T) {
	mtime := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)
	probe := Entry{Name: "a.txt", Size: 10, ModTime: mtime.Add(400 * time.Millisecond)}

	match := Entry{ID: 1, Name: "a.txt", ParentPath: "/old", Size: 10, ModTime: mtime}
	other := Entry{ID: 2, Name: "a.txt", ParentPath: "/x", Size: 11, ModTime: mtime}

	got, ok := MatchByMetadata(probe, []Entry{match, other})
	require.True(t, ok)
	assert.Equal(t, int64(1), got.ID)

	twin := match
	twin.ID = 3
	twin.ParentPath = "/older"
	_, ok = MatchByMetadata(probe, []Entry{match, twin})
	assert.False(t, ok, "two matches are ambiguous")

	_, ok = MatchByMetadata(probe, []Entry{other})
	assert.False(t, ok)
}
