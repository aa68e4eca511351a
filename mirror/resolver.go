package mirror

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
)

// SurvivorPolicy chooses which of several same-digest entries in one tree
// survives duplicate cleanup.
type SurvivorPolicy string

const (
	// PolicyLongestName keeps the entry with the longest name, on the
	// assumption that the more specific name is the intentional one.
	PolicyLongestName SurvivorPolicy = "longest-name"
	// PolicyOldest keeps the entry with the earliest modification time.
	PolicyOldest SurvivorPolicy = "oldest"
)

// ParseSurvivorPolicy validates a configured policy name.
func ParseSurvivorPolicy(s string) (SurvivorPolicy, error) {
	switch SurvivorPolicy(s) {
	case PolicyLongestName, "":
		return PolicyLongestName, nil
	case PolicyOldest:
		return PolicyOldest, nil
	}
	return "", fmt.Errorf("unknown dedup policy %q", s)
}

// better reports whether a should survive over b under policy. Ties fall back
// to the lexically smaller relative path so the choice never depends on the
// order entries were listed in.
func (p SurvivorPolicy) better(a, b Entry) bool {
	switch p {
	case PolicyOldest:
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
	default:
		la, lb := utf8.RuneCountInString(foldName(a.Name)), utf8.RuneCountInString(foldName(b.Name))
		if la != lb {
			return la > lb
		}
	}
	return a.RelPath() < b.RelPath()
}

// PickSurvivor splits entries sharing one digest into the survivor and the
// deletion candidates.
func PickSurvivor(entries []Entry, policy SurvivorPolicy) (Entry, []Entry, error) {
	if len(entries) == 0 {
		return Entry{}, nil, &AmbiguityError{Reason: "no entries to choose from"}
	}
	survivor := lo.MaxBy(entries, func(a, b Entry) bool { return policy.better(a, b) })
	losers := lo.Filter(entries, func(e Entry, _ int) bool { return e.ID != survivor.ID || !e.SameLocation(survivor) })
	sort.Slice(losers, func(i, j int) bool { return losers[i].RelPath() < losers[j].RelPath() })
	return survivor, losers, nil
}

// ResolveReason tells how ResolveCrossTree chose its entry.
type ResolveReason string

const (
	ResolvedInPlace  ResolveReason = "in-place"
	ResolvedExisting ResolveReason = "first-existing"
)

// ResolveCrossTree picks which of the target candidates holding src's digest
// should represent it: the one already at src's location, else the first (by
// id) whose file still exists. When neither applies it returns an
// *AmbiguityError; callers must skip rather than guess.
func ResolveCrossTree(src Entry, candidates []Entry, exists func(Entry) bool) (Entry, ResolveReason, error) {
	if len(candidates) == 0 {
		return Entry{}, "", &AmbiguityError{Digest: src.Digest, Reason: "no target candidates"}
	}
	if e, ok := lo.Find(candidates, func(c Entry) bool { return c.SameLocation(src) }); ok && exists(e) {
		return e, ResolvedInPlace, nil
	}

	ordered := append([]Entry(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, c := range ordered {
		if exists(c) {
			return c, ResolvedExisting, nil
		}
	}
	return Entry{}, "", &AmbiguityError{Digest: src.Digest, Candidates: len(candidates), Reason: "no candidate exists on disk"}
}

// MatchByMetadata is the move-detection heuristic for content that has not
// been rehashed: it returns the single candidate with e's name, size and
// modification time (to the second). Zero or several matches return false.
// Coincidental collisions are possible; callers opt in explicitly.
func MatchByMetadata(e Entry, candidates []Entry) (Entry, bool) {
	matches := lo.Filter(candidates, func(c Entry, _ int) bool {
		return c.Name == e.Name &&
			c.Size == e.Size &&
			c.ModTime.Truncate(time.Second).Equal(e.ModTime.Truncate(time.Second))
	})
	if len(matches) != 1 {
		return Entry{}, false
	}
	return matches[0], true
}
