package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"
)

// Planner compares a source tree with a target tree and produces plans.
// It never mutates either tree or index.
type Planner struct {
	Source  *Tree
	Target  *Tree
	Hasher  *Hasher
	Exclude *Exclusion
}

// overlay tracks what the target will look like once the operations planned
// so far have run, so later decisions do not fight earlier ones.
type overlay struct {
	// relocated holds target entry ids a planned move or liberation takes
	// away from their indexed location.
	relocated map[int64]bool
	// claimed holds locations a planned copy, move or noop will occupy.
	claimed map[string]bool
}

func newOverlay() *overlay {
	return &overlay{relocated: make(map[int64]bool), claimed: make(map[string]bool)}
}

func (p *Planner) checkAlgorithms() error {
	if p.Source.Index.Algorithm() != p.Target.Index.Algorithm() {
		return fmt.Errorf("%w: source %s, target %s", ErrAlgorithmMismatch,
			p.Source.Index.Algorithm(), p.Target.Index.Algorithm())
	}
	return nil
}

// skipReason classifies entries that are excluded from all reconciliation.
// It returns "" for entries that take part.
func (p *Planner) skipReason(e Entry) string {
	switch {
	case p.Hasher != nil && p.Hasher.IsSentinel(e.Digest):
		return "empty or unreadable content"
	case isPartial(e.Name):
		return "partial file"
	case p.Exclude.IsExcluded(e.RelPath(), false):
		return "excluded path"
	}
	return ""
}

// PlanMirror plans the copies and moves that make the target hold every
// unique source file at the source's relative location.
func (p *Planner) PlanMirror(ctx context.Context) (*Plan, error) {
	l := sub("planner")
	if err := p.checkAlgorithms(); err != nil {
		return nil, err
	}

	ambiguous, err := p.ambiguousDigests(ctx)
	if err != nil {
		return nil, fmt.Errorf("source repeats: %w", err)
	}

	b := newPlanBuilder("mirror")
	states := newStateTracker()
	ov := newOverlay()

	for e, err := range p.Source.Index.ScanAll() {
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, detail, err := p.planEntry(b, ov, e, ambiguous)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", e.RelPath(), err)
		}
		if err := states.settle(e.ID, state); err != nil {
			return nil, err
		}
		if state.Skipped() {
			b.skip(e, state, detail)
			if state == StateSkippedAmbiguous {
				l.Warn("skipping ambiguous entry", "path", e.RelPath(), "digest", e.Digest, "detail", detail)
			} else if logEnabled(slog.LevelDebug) {
				l.Debug("skipping entry", "path", e.RelPath(), "state", state, "detail", detail)
			}
		}
	}

	plan := b.done()
	l.Info("mirror plan ready", "ops", plan.Len(), "counts", plan.Counts(), "states", states.counts())
	return plan, nil
}

// ambiguousDigests returns the digests held by more than one live source
// entry. Excluded, partial, sentinel and stale entries do not count: they are
// skipped before ambiguity is considered.
func (p *Planner) ambiguousDigests(ctx context.Context) (map[Digest]bool, error) {
	repeated, err := p.Source.Index.RepeatedDigests()
	if err != nil {
		return nil, err
	}
	out := make(map[Digest]bool)
	for _, d := range repeated {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := p.Source.Index.FindByDigest(d)
		if err != nil {
			return nil, err
		}
		live := lo.CountBy(entries, func(e Entry) bool {
			return p.skipReason(e) == "" && p.Source.exists(e.RelPath())
		})
		if live > 1 {
			out[d] = true
		}
	}
	return out, nil
}

// planEntry drives one source entry from Unchecked to a terminal state,
// appending any operations it needs.
func (p *Planner) planEntry(b *planBuilder, ov *overlay, e Entry, ambiguous map[Digest]bool) (EntryState, string, error) {
	if reason := p.skipReason(e); reason != "" {
		return StateSkippedExcluded, reason, nil
	}
	if ambiguous[e.Digest] {
		return StateSkippedAmbiguous, "digest repeats within source; deduplicate the source first", nil
	}
	if !p.Source.exists(e.RelPath()) {
		return StateSkippedStale, "source file missing; resync the source index", nil
	}

	candidates, err := p.Target.Index.FindByDigest(e.Digest)
	if err != nil {
		return "", "", err
	}
	candidates = lo.Filter(candidates, func(c Entry, _ int) bool {
		return !p.Exclude.IsExcluded(c.RelPath(), false)
	})

	dest := e.RelPath()

	if len(candidates) == 0 {
		ops, blocked, err := p.ensureFree(ov, dest)
		if err != nil || blocked != nil {
			return blocked.state(), blocked.String(), err
		}
		b.add(ops...)
		b.add(Copy{Source: e, Dest: dest})
		ov.claimed[dest] = true
		return StateCopy, "", nil
	}

	resolved, reason, err := ResolveCrossTree(e, candidates, func(c Entry) bool { return p.Target.exists(c.RelPath()) })
	if errors.Is(err, ErrAmbiguous) {
		return StateSkippedAmbiguous, err.Error(), nil
	}
	if err != nil {
		return "", "", err
	}

	if reason == ResolvedInPlace {
		b.add(NoOp{Entry: resolved, Reason: "already in place"})
		ov.claimed[dest] = true
		return StateNoOp, "", nil
	}

	ops, blocked, err := p.ensureFree(ov, dest)
	if err != nil || blocked != nil {
		return blocked.state(), blocked.String(), err
	}
	b.add(ops...)
	b.add(Move{Entry: resolved, From: resolved.RelPath(), To: dest})
	ov.relocated[resolved.ID] = true
	ov.claimed[dest] = true
	return StateMove, "", nil
}

// blockage explains why a destination cannot be freed safely.
type blockage struct {
	stale  bool
	detail string
}

func (b *blockage) state() EntryState {
	if b == nil || !b.stale {
		return StateSkippedAmbiguous
	}
	return StateSkippedStale
}

func (b *blockage) String() string {
	if b == nil {
		return ""
	}
	return b.detail
}

// ensureFree returns the liberation needed before dest can be written in the
// target, or a blockage when dest cannot be freed without risking content.
func (p *Planner) ensureFree(ov *overlay, dest string) ([]Operation, *blockage, error) {
	if ov.claimed[dest] {
		return nil, &blockage{detail: "destination already claimed by this plan"}, nil
	}

	occ, err := p.Target.Index.FindByRel(dest)
	if err != nil {
		return nil, nil, err
	}
	if occ != nil {
		if ov.relocated[occ.ID] {
			return nil, nil, nil
		}
		if !p.Target.exists(dest) {
			return nil, &blockage{stale: true, detail: "stale target record occupies destination; resync the target index"}, nil
		}
		ov.relocated[occ.ID] = true
		return []Operation{RenameToLiberate{Occupant: *occ, Path: dest}}, nil, nil
	}

	info, err := p.Target.stat(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("stat target %s: %w", dest, err)
	}
	if info == nil {
		return nil, nil, nil
	}
	if info.IsDir() {
		return nil, &blockage{detail: "a directory occupies the destination"}, nil
	}
	return []Operation{RenameToLiberate{Path: dest}}, nil, nil
}

// PlanExcess plans the deletion of every target entry whose content exists
// nowhere in the source. It is a separate, opt-in pass.
func (p *Planner) PlanExcess(ctx context.Context) (*Plan, error) {
	l := sub("planner")
	if err := p.checkAlgorithms(); err != nil {
		return nil, err
	}

	b := newPlanBuilder("excess")
	inSource := make(map[Digest]bool)

	// Collect first; nothing is deleted while the scan is open.
	for e, err := range p.Target.Index.ScanAll() {
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.skipReason(e) != "" {
			continue
		}

		present, seen := inSource[e.Digest]
		if !seen {
			n, err := p.Source.Index.CountByDigest(e.Digest)
			if err != nil {
				return nil, err
			}
			present = n > 0
			inSource[e.Digest] = present
		}
		if !present {
			b.add(Delete{Entry: e, Reason: "content absent from source"})
		}
	}

	plan := b.done()
	l.Info("excess plan ready", "deletes", plan.Len())
	return plan, nil
}

// DedupScope limits which same-digest entries compete with each other.
type DedupScope string

const (
	ScopeTree DedupScope = "tree" // any two locations in the tree
	ScopeDir  DedupScope = "dir"  // only entries in the same directory
)

// DedupOptions configure PlanDedup.
type DedupOptions struct {
	Policy SurvivorPolicy
	Scope  DedupScope
	// Under restricts deletions to entries at or below this rooted path.
	Under string
}

// DuplicateGroup is a set of same-digest entries with the chosen survivor.
type DuplicateGroup struct {
	Digest   Digest
	Survivor Entry
	Others   []Entry
}

// Repeats lists every group of entries in t sharing a digest, with the
// survivor policy applied. Entries whose file is gone are left out.
func Repeats(ctx context.Context, t *Tree, hasher *Hasher, ex *Exclusion, opts DedupOptions) ([]DuplicateGroup, error) {
	digests, err := t.Index.RepeatedDigests()
	if err != nil {
		return nil, err
	}

	var groups []DuplicateGroup
	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hasher != nil && hasher.IsSentinel(d) {
			continue
		}
		entries, err := t.Index.FindByDigest(d)
		if err != nil {
			return nil, err
		}
		live := lo.Filter(entries, func(e Entry, _ int) bool {
			return !isPartial(e.Name) && !ex.IsExcluded(e.RelPath(), false) && t.exists(e.RelPath())
		})

		buckets := map[string][]Entry{"": live}
		if opts.Scope == ScopeDir {
			buckets = lo.GroupBy(live, func(e Entry) string { return e.ParentPath })
		}
		keys := lo.Keys(buckets)
		sortNatural(keys, func(k string) string { return k })

		for _, k := range keys {
			bucket := buckets[k]
			if len(bucket) < 2 {
				continue
			}
			survivor, others, err := PickSurvivor(bucket, opts.Policy)
			if err != nil {
				return nil, err
			}
			groups = append(groups, DuplicateGroup{Digest: d, Survivor: survivor, Others: others})
		}
	}
	return groups, nil
}

// PlanDedup plans the removal of redundant copies within one tree, keeping
// one survivor per digest.
func PlanDedup(ctx context.Context, t *Tree, hasher *Hasher, ex *Exclusion, opts DedupOptions) (*Plan, error) {
	groups, err := Repeats(ctx, t, hasher, ex, opts)
	if err != nil {
		return nil, fmt.Errorf("find repeats: %w", err)
	}

	under := ""
	if opts.Under != "" && CleanRel(opts.Under) != RootPath {
		under = CleanRel(opts.Under)
	}

	b := newPlanBuilder("dedup")
	for _, g := range groups {
		keeper := g.Survivor
		for _, e := range g.Others {
			if under != "" && e.RelPath() != under && !strings.HasPrefix(e.RelPath(), under+"/") {
				continue
			}
			b.add(Delete{Entry: e, Keeper: &keeper, Reason: "duplicate"})
		}
	}

	plan := b.done()
	sub("planner").Info("dedup plan ready", "groups", len(groups), "deletes", plan.Len())
	return plan, nil
}
