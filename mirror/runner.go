package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
)

// Gate approves destructive operations before they run.
type Gate interface {
	Confirm(summary string, ops []Operation) (bool, error)
}

// FreeSpaceFunc reports the bytes available to the filesystem holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// DiskFree reports free space using the OS filesystem statistics.
func DiskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return u.Free, nil
}

// Runner drives one command end to end: resync, plan, confirm, execute,
// prune and report. Source is nil for single-tree commands.
type Runner struct {
	Source  *Tree
	Target  *Tree
	Hasher  *Hasher
	Exclude *Exclusion
	Gate    Gate

	TrashDir    string
	FreeSpace   FreeSpaceFunc
	DryRun      bool
	Resync      bool
	DetectMoves bool
	Prune       bool
	// PlanOut receives a YAML export of every plan when set.
	PlanOut io.Writer
}

func (r *Runner) begin(command string) *RunReport {
	rep := &RunReport{Command: command, DryRun: r.DryRun}
	rep.SourceBefore = r.stats(r.Source)
	rep.TargetBefore = r.stats(r.Target)
	return rep
}

func (r *Runner) finish(rep *RunReport) *RunReport {
	rep.SourceAfter = r.stats(r.Source)
	rep.TargetAfter = r.stats(r.Target)
	rep.RecentErrors = RecentErrors()
	return rep
}

func (r *Runner) stats(t *Tree) Stats {
	if t == nil {
		return Stats{}
	}
	s, err := t.Index.Stats()
	if err != nil {
		sub("runner").Warn("stats failed", "root", t.Root, "err", err)
	}
	return s
}

// confirm asks the gate about plan's deletions. No gate means no.
func (r *Runner) confirm(plan *Plan) (bool, error) {
	if r.Gate == nil {
		return false, nil
	}
	deletes := plan.Deletes()
	var bytes int64
	ops := make([]Operation, len(deletes))
	for i, d := range deletes {
		ops[i] = d
		bytes += d.Entry.Size
	}
	summary := fmt.Sprintf("%s: delete %d entries (%s)", plan.Name(), len(deletes), humanize.IBytes(uint64(bytes)))
	return r.Gate.Confirm(summary, ops)
}

// execute runs plan against x, routing deletions through the gate. Refused
// deletions are dropped and listed in rep.
func (r *Runner) execute(ctx context.Context, x *Executor, plan *Plan, rep *RunReport) error {
	if r.PlanOut != nil {
		if err := plan.WriteYAML(r.PlanOut); err != nil {
			return err
		}
	}
	if r.DryRun {
		return nil
	}

	confirmed := false
	if plan.HasDeletes() {
		ok, err := r.confirm(plan)
		if err != nil {
			return fmt.Errorf("confirm %s: %w", plan.Name(), err)
		}
		if ok {
			confirmed = true
		} else {
			rep.Refused = append(rep.Refused, plan.Deletes()...)
			plan = plan.WithoutDeletes()
			sub("runner").Info("deletions refused", "plan", plan.Name(), "count", len(rep.Refused))
		}
	}
	rep.Exec.Merge(x.Execute(ctx, plan, ExecOptions{Confirmed: confirmed}))
	return nil
}

// resyncTree refreshes t's index. Stale records are only dropped with the
// gate's approval.
func (r *Runner) resyncTree(ctx context.Context, t *Tree, rep *RunReport) error {
	res, err := Resync(ctx, t, r.Exclude, ResyncOptions{DetectMoves: r.DetectMoves})
	if err != nil {
		return err
	}
	rep.Resync = append(rep.Resync, res)
	if r.DryRun {
		return nil
	}

	removeStale := false
	if len(res.Stale) > 0 {
		ok, err := r.confirm(res.StalePlan())
		if err != nil {
			return fmt.Errorf("confirm stale records: %w", err)
		}
		removeStale = ok
		if !ok {
			rep.Refused = append(rep.Refused, res.StalePlan().Deletes()...)
		}
	}
	return ApplyResync(ctx, t, r.Hasher, res, removeStale)
}

// preflight fails when the target cannot hold the bytes plan copies.
func (r *Runner) preflight(plan *Plan) error {
	need := plan.CopyBytes()
	if need == 0 || r.FreeSpace == nil {
		return nil
	}
	free, err := r.FreeSpace(r.Target.Root)
	if err != nil {
		return err
	}
	if uint64(need) > free {
		return fmt.Errorf("%w: need %s, %s free on %s", ErrInsufficientSpace,
			humanize.IBytes(uint64(need)), humanize.IBytes(free), r.Target.Root)
	}
	return nil
}

func (r *Runner) prune(rep *RunReport) {
	if !r.Prune || r.DryRun {
		return
	}
	p, err := PruneEmptyDirs(r.Target.Fs, RootPath, r.Exclude)
	if err != nil {
		sub("runner").Warn("prune failed", "root", r.Target.Root, "err", err)
	}
	rep.Prune = p
}

// Mirror makes the target hold every unique source file at its source
// location.
func (r *Runner) Mirror(ctx context.Context) (*RunReport, error) {
	l := sub("runner")
	rep := r.begin("mirror")
	if r.Resync {
		for _, t := range []*Tree{r.Source, r.Target} {
			if err := r.resyncTree(ctx, t, rep); err != nil {
				return r.finish(rep), fmt.Errorf("resync %s: %w", t.Root, err)
			}
		}
	}

	p := &Planner{Source: r.Source, Target: r.Target, Hasher: r.Hasher, Exclude: r.Exclude}
	plan, err := p.PlanMirror(ctx)
	if err != nil {
		return r.finish(rep), err
	}
	rep.Plan = plan

	if err := r.preflight(plan); err != nil {
		if !r.DryRun {
			return r.finish(rep), err
		}
		l.Warn("preflight", "err", err)
	}

	x := &Executor{Source: r.Source, Target: r.Target, Hasher: r.Hasher, TrashDir: r.TrashDir}
	if err := r.execute(ctx, x, plan, rep); err != nil {
		return r.finish(rep), err
	}
	r.prune(rep)
	return r.finish(rep), nil
}

// Excess removes target entries whose content the source does not hold.
func (r *Runner) Excess(ctx context.Context) (*RunReport, error) {
	rep := r.begin("excess")
	if r.Resync {
		for _, t := range []*Tree{r.Source, r.Target} {
			if err := r.resyncTree(ctx, t, rep); err != nil {
				return r.finish(rep), fmt.Errorf("resync %s: %w", t.Root, err)
			}
		}
	}

	p := &Planner{Source: r.Source, Target: r.Target, Hasher: r.Hasher, Exclude: r.Exclude}
	plan, err := p.PlanExcess(ctx)
	if err != nil {
		return r.finish(rep), err
	}
	rep.Plan = plan

	x := &Executor{Target: r.Target, Hasher: r.Hasher, TrashDir: r.TrashDir}
	if err := r.execute(ctx, x, plan, rep); err != nil {
		return r.finish(rep), err
	}
	r.prune(rep)
	return r.finish(rep), nil
}

// Dedup removes redundant copies within the target tree.
func (r *Runner) Dedup(ctx context.Context, opts DedupOptions) (*RunReport, error) {
	rep := r.begin("dedup")
	if r.Resync {
		if err := r.resyncTree(ctx, r.Target, rep); err != nil {
			return r.finish(rep), fmt.Errorf("resync %s: %w", r.Target.Root, err)
		}
	}

	plan, err := PlanDedup(ctx, r.Target, r.Hasher, r.Exclude, opts)
	if err != nil {
		return r.finish(rep), err
	}
	rep.Plan = plan

	x := &Executor{Target: r.Target, Hasher: r.Hasher, TrashDir: r.TrashDir}
	if err := r.execute(ctx, x, plan, rep); err != nil {
		return r.finish(rep), err
	}
	r.prune(rep)
	return r.finish(rep), nil
}

// ResyncOnly refreshes the target index without planning anything.
func (r *Runner) ResyncOnly(ctx context.Context) (*RunReport, error) {
	rep := r.begin("resync")
	if err := r.resyncTree(ctx, r.Target, rep); err != nil {
		return r.finish(rep), err
	}
	return r.finish(rep), nil
}
