package mirror

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_CopyMissingContent(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/docs/a.txt", "H1")
	env.crawl(t)

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	assert.Equal(t, 1, rep.Copied)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, int64(2), rep.BytesCopied)
	assert.Equal(t, "H1", readFile(t, env.targetRoot, "/docs/a.txt"))

	e, err := env.target.Index.FindByRel("/docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, digestOf(t, "H1"), e.Digest)
}

func TestExecute_MoveInsteadOfCopy(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/docs/b.txt", "H1")
	env.writeTarget(t, "/docs/a.txt", "H1")
	env.crawl(t)
	before, err := env.target.Index.FindByRel("/docs/a.txt")
	require.NoError(t, err)

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	assert.Equal(t, 1, rep.Moved)
	assert.Zero(t, rep.Copied)
	assert.False(t, fileExists(env.targetRoot, "/docs/a.txt"))
	assert.Equal(t, "H1", readFile(t, env.targetRoot, "/docs/b.txt"))

	after, err := env.target.Index.Get(before.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs/b.txt", after.RelPath(), "record follows the file")
}

func TestExecute_SecondRunIsNoOp(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "one")
	env.writeSource(t, "/sub/b.txt", "two")
	env.writeTarget(t, "/old/b.txt", "two")
	env.crawl(t)

	first := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, first.Failed)

	plan := env.planMirror(t)
	assert.True(t, plan.IsNoOp())
	second := env.executor().Execute(context.Background(), plan, ExecOptions{})
	assert.Zero(t, second.Copied+second.Moved+second.Renamed+second.Deleted)
	assert.Equal(t, 2, second.NoOps)
}

func TestExecute_LiberatesTrackedOccupant(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/docs/a.txt", "new")
	env.writeTarget(t, "/docs/a.txt", "old")
	env.crawl(t)
	occ, err := env.target.Index.FindByRel("/docs/a.txt")
	require.NoError(t, err)

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)
	assert.Equal(t, 1, rep.Renamed)
	assert.Equal(t, 1, rep.Copied)
	assert.Equal(t, []Liberation{{From: "/docs/a.txt", To: "/docs/a 2.txt"}}, rep.Liberated)

	assert.Equal(t, "new", readFile(t, env.targetRoot, "/docs/a.txt"))
	assert.Equal(t, "old", readFile(t, env.targetRoot, "/docs/a 2.txt"))
	moved, err := env.target.Index.Get(occ.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a 2.txt", moved.RelPath())
}

func TestExecute_LiberatesUntrackedOccupant(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "new")
	env.crawl(t)
	env.writeTarget(t, "/a.txt", "stray")
	env.writeTarget(t, "/a 2.txt", "also here")

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)
	assert.Equal(t, "new", readFile(t, env.targetRoot, "/a.txt"))
	assert.Equal(t, "stray", readFile(t, env.targetRoot, "/a 3.txt"))
	assert.Equal(t, "also here", readFile(t, env.targetRoot, "/a 2.txt"))
}

func TestExecute_LiberationAvoidsPlannedDestinations(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "new")
	env.writeSource(t, "/a 2.txt", "second")
	env.crawl(t)
	env.writeTarget(t, "/a.txt", "stray")

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)
	assert.Equal(t, "second", readFile(t, env.targetRoot, "/a 2.txt"))
	assert.Equal(t, "stray", readFile(t, env.targetRoot, "/a 3.txt"))
}

func TestExecute_Swap(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "X")
	env.writeSource(t, "/b.txt", "Y")
	env.writeTarget(t, "/a.txt", "Y")
	env.writeTarget(t, "/b.txt", "X")
	env.crawl(t)

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)
	assert.Equal(t, 2, rep.Moved)
	assert.Equal(t, "X", readFile(t, env.targetRoot, "/a.txt"))
	assert.Equal(t, "Y", readFile(t, env.targetRoot, "/b.txt"))
	assert.False(t, fileExists(env.targetRoot, "/a 2.txt"))

	n, err := env.target.Index.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExecute_DigestMismatchLeavesNothing(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "actual bytes")
	insertEntry(t, env.source, "/a.txt", "indexed bytes")

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	assert.Contains(t, rep.Failures[0].Err, ErrDigestMismatch.Error())
	assert.False(t, fileExists(env.targetRoot, "/a.txt"))

	e, err := env.target.Index.FindByRel("/a.txt")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestExecute_UnconfirmedDeletePanics(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeTarget(t, "/x/dup1.txt", "H2")
	env.crawl(t)

	plan, err := env.planner().PlanExcess(context.Background())
	require.NoError(t, err)
	require.True(t, plan.HasDeletes())

	assert.PanicsWithValue(t, ErrUnconfirmedDelete, func() {
		env.executor().Execute(context.Background(), plan, ExecOptions{})
	})
	assert.True(t, fileExists(env.targetRoot, "/x/dup1.txt"))
}

func TestExecute_ConfirmedExcessDelete(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeTarget(t, "/x/dup1.txt", "H2")
	env.crawl(t)

	plan, err := env.planner().PlanExcess(context.Background())
	require.NoError(t, err)
	rep := env.executor().Execute(context.Background(), plan, ExecOptions{Confirmed: true})
	assert.Equal(t, 1, rep.Deleted)
	assert.False(t, fileExists(env.targetRoot, "/x/dup1.txt"))

	n, err := env.target.Index.CountEntries()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecute_DeleteToTrash(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeTarget(t, "/x/dup1.txt", "H2")
	env.crawl(t)

	plan, err := env.planner().PlanExcess(context.Background())
	require.NoError(t, err)
	x := env.executor()
	x.TrashDir = "/.trash"
	rep := x.Execute(context.Background(), plan, ExecOptions{Confirmed: true})
	require.Equal(t, 1, rep.Deleted)

	day := nowFunc().Format("2006-01-02")
	assert.Equal(t, "H2", readFile(t, env.targetRoot, filepath.ToSlash(filepath.Join("/.trash", day, "x", "dup1.txt"))))
	assert.False(t, fileExists(env.targetRoot, "/x/dup1.txt"))
}

func TestExecute_DeleteDropsRecordOfMissingFile(t *testing.T) {
	env := setupMirrorEnv(t)
	e := insertEntry(t, env.target, "/gone.txt", "ghost")

	plan := newPlanBuilder("manual")
	plan.add(Delete{Entry: e, Reason: "test"})
	rep := env.executor().Execute(context.Background(), plan.done(), ExecOptions{Confirmed: true})
	assert.Equal(t, 1, rep.Deleted)

	got, err := env.target.Index.Get(e.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExecute_DeleteAbsentIDFails(t *testing.T) {
	env := setupMirrorEnv(t)
	plan := newPlanBuilder("manual")
	plan.add(Delete{Entry: entryAt(999, "/nope.txt", Digest{1})})

	rep := env.executor().Execute(context.Background(), plan.done(), ExecOptions{Confirmed: true})
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Deleted)
}

func TestExecute_DedupKeepsSurvivor(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeTarget(t, "/a/x.txt", "H3")
	env.writeTarget(t, "/a/yy.txt", "H3")
	env.crawl(t)

	plan, err := PlanDedup(context.Background(), env.target, env.hasher, nil, DedupOptions{Policy: PolicyLongestName})
	require.NoError(t, err)
	rep := env.executor().Execute(context.Background(), plan, ExecOptions{Confirmed: true})
	assert.Equal(t, 1, rep.Deleted)
	assert.False(t, fileExists(env.targetRoot, "/a/x.txt"))
	assert.True(t, fileExists(env.targetRoot, "/a/yy.txt"))
}

func TestExecute_DedupRefusesWhenKeeperGone(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeTarget(t, "/a/x.txt", "H3")
	env.writeTarget(t, "/a/yy.txt", "H3")
	env.crawl(t)

	plan, err := PlanDedup(context.Background(), env.target, env.hasher, nil, DedupOptions{Policy: PolicyLongestName})
	require.NoError(t, err)
	require.NoError(t, env.target.Fs.Remove("/a/yy.txt"))

	rep := env.executor().Execute(context.Background(), plan, ExecOptions{Confirmed: true})
	assert.Zero(t, rep.Deleted)
	assert.Equal(t, 1, rep.Failed)
	assert.Contains(t, rep.Failures[0].Err, ErrKeeperMissing.Error())
	assert.True(t, fileExists(env.targetRoot, "/a/x.txt"))
}

func TestExecute_CancelledContext(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "one")
	env.writeSource(t, "/b.txt", "two")
	env.crawl(t)
	plan := env.planMirror(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := env.executor().Execute(ctx, plan, ExecOptions{})
	assert.Equal(t, 2, rep.Cancelled)
	assert.Zero(t, rep.Copied)
	assert.False(t, fileExists(env.targetRoot, "/a.txt"))
}

func TestExecute_MoveNotFound(t *testing.T) {
	env := setupMirrorEnv(t)
	plan := newPlanBuilder("manual")
	plan.add(Move{Entry: entryAt(42, "/a.txt", Digest{1}), From: "/a.txt", To: "/b.txt"})

	rep := env.executor().Execute(context.Background(), plan.done(), ExecOptions{})
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, KindMove, rep.Failures[0].Kind)
}

func TestReport_Merge(t *testing.T) {
	a := Report{Copied: 1, Failed: 1, Failures: []Failure{{Kind: KindCopy, Path: "/a"}}}
	a.Merge(Report{Copied: 2, Deleted: 1, BytesCopied: 10})
	assert.Equal(t, 3, a.Copied)
	assert.Equal(t, 1, a.Deleted)
	assert.Equal(t, int64(10), a.BytesCopied)
	assert.Len(t, a.Failures, 1)
}

// diskDigests hashes every regular file under root.
func diskDigests(t *testing.T, root string) map[Digest][]string {
	t.Helper()
	out := make(map[Digest][]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		sum := digestOf(t, string(b))
		out[sum] = append(out[sum], p)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestExecute_MixedRunKeepsAllContent(t *testing.T) {
	env := setupMirrorEnv(t)
	env.writeSource(t, "/a.txt", "X")
	env.writeSource(t, "/b.txt", "Y")
	env.writeSource(t, "/c/d.txt", "Z")
	env.writeSource(t, "/e.txt", "W")
	env.writeTarget(t, "/a.txt", "Y")
	env.writeTarget(t, "/b.txt", "X")
	env.writeTarget(t, "/c/d.txt", "Q")
	env.writeTarget(t, "/old/e.txt", "W")
	env.writeTarget(t, "/x.txt", "R")
	env.writeTarget(t, "/y.txt", "W")
	env.crawl(t)
	env.writeSource(t, "/z.txt", "S")
	env.writeTarget(t, "/z.txt", "untracked")
	_, err := Crawl(context.Background(), env.source, env.hasher, nil)
	require.NoError(t, err)

	before := diskDigests(t, env.sourceRoot)
	for d, paths := range diskDigests(t, env.targetRoot) {
		before[d] = append(before[d], paths...)
	}

	rep := env.executor().Execute(context.Background(), env.planMirror(t), ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)

	after := diskDigests(t, env.targetRoot)
	for d, paths := range before {
		assert.Contains(t, after, d, "content of %v survives in the target", paths)
	}
	for _, c := range []string{"X", "Y", "Z", "W", "Q", "R", "S", "untracked"} {
		assert.Contains(t, after, digestOf(t, c), c)
	}
	for rel, want := range map[string]string{"/a.txt": "X", "/b.txt": "Y", "/c/d.txt": "Z", "/e.txt": "W", "/z.txt": "S"} {
		assert.Equal(t, want, readFile(t, env.targetRoot, rel), rel)
	}

	seen := make(map[string]bool)
	for e, err := range env.target.Index.ScanAll() {
		require.NoError(t, err)
		assert.False(t, seen[e.RelPath()], "location %s indexed twice", e.RelPath())
		seen[e.RelPath()] = true
		assert.Equal(t, e.Digest, digestOf(t, readFile(t, env.targetRoot, e.RelPath())), e.RelPath())
	}

	again := env.planMirror(t)
	assert.True(t, again.IsNoOp(), again.Counts())
}

func TestExecute_DecomposedNameIsMirrored(t *testing.T) {
	env := setupMirrorEnv(t)
	nfd := "/docs/cafe\u0301.txt"
	env.writeSource(t, nfd, "espresso")
	env.crawl(t)

	src, err := Resync(context.Background(), env.source, nil, ResyncOptions{})
	require.NoError(t, err)
	assert.True(t, src.InSync(), src.Summary())

	plan := env.planMirror(t)
	require.Equal(t, []OpKind{KindCopy}, opKinds(plan), plan.Skips())

	rep := env.executor().Execute(context.Background(), plan, ExecOptions{})
	require.Zero(t, rep.Failed, rep.Failures)
	assert.Equal(t, "espresso", readFile(t, env.targetRoot, nfd))
	assert.False(t, fileExists(env.targetRoot, "/docs/caf\u00e9.txt"), "spelling is kept")

	tgt, err := Resync(context.Background(), env.target, nil, ResyncOptions{})
	require.NoError(t, err)
	assert.True(t, tgt.InSync(), tgt.Summary())
	assert.True(t, env.planMirror(t).IsNoOp())
}
