package mirror

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// Executor applies plans to the filesystem and keeps the indices consistent
// with what actually happened on disk. Source is only needed for copies.
type Executor struct {
	Source *Tree
	Target *Tree
	Hasher *Hasher
	// TrashDir, when set, is a rooted path inside Target where deleted files
	// are moved instead of being removed.
	TrashDir string
}

// ExecOptions carry caller decisions into Execute.
type ExecOptions struct {
	// Confirmed must be true for a plan holding any Delete.
	Confirmed bool
}

// Execute applies plan one operation at a time, in order, continuing past
// individual failures. Executing deletions without confirmation is a
// programming error and panics with ErrUnconfirmedDelete.
func (x *Executor) Execute(ctx context.Context, plan *Plan, opts ExecOptions) Report {
	if plan.HasDeletes() && !opts.Confirmed {
		panic(ErrUnconfirmedDelete)
	}

	l := sub("executor")
	ops := plan.Ops()
	r := Report{Plan: plan.Name(), Planned: len(ops)}

	// Destinations the plan will fill; liberation must not pick them.
	reserved := make(map[string]bool)
	for _, op := range ops {
		switch o := op.(type) {
		case Copy:
			reserved[o.Dest] = true
		case Move:
			reserved[o.To] = true
		}
	}
	blocked := make(map[string]bool)

	l.Info("executing plan", "plan", plan.Name(), "ops", len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			r.Cancelled = len(ops) - i
			l.Warn("execution cancelled", "remaining", r.Cancelled, "err", err)
			break
		}

		var err error
		switch o := op.(type) {
		case NoOp:
			r.NoOps++
		case RenameToLiberate:
			var to string
			to, err = x.liberate(o, reserved)
			if err != nil {
				blocked[o.Path] = true
			} else if to != "" {
				r.Renamed++
				r.Liberated = append(r.Liberated, Liberation{From: o.Path, To: to})
			}
		case Copy:
			if blocked[o.Dest] {
				err = fmt.Errorf("%w: %s", ErrNotLiberated, o.Dest)
				break
			}
			var n int64
			if n, err = x.copyEntry(ctx, o); err == nil {
				r.Copied++
				r.BytesCopied += n
			}
		case Move:
			if blocked[o.To] {
				err = fmt.Errorf("%w: %s", ErrNotLiberated, o.To)
				break
			}
			var moved bool
			if moved, err = x.moveEntry(o); err == nil {
				if moved {
					r.Moved++
				} else {
					r.NoOps++
				}
			}
		case Delete:
			if err = x.deleteEntry(o); err == nil {
				r.Deleted++
			}
		default:
			err = fmt.Errorf("unknown operation %T", op)
		}

		if err != nil {
			r.fail(op, err)
			abs := x.Target.Abs(op.Target())
			if errors.Is(err, ErrDuplicateLocation) || errors.Is(err, ErrNotFound) {
				l.Error("index contract violated", "op", op.Kind(), "path", op.Target(), "abs", abs, "err", err)
			} else {
				l.Warn("operation failed", "op", op.Kind(), "path", op.Target(), "abs", abs, "err", err)
			}
			continue
		}
		l.Debug("operation done", "op", op.String())
	}

	l.Info("plan executed", "plan", plan.Name(), "copied", r.Copied, "moved", r.Moved,
		"renamed", r.Renamed, "deleted", r.Deleted, "failed", r.Failed)
	return r
}

// liberate renames whatever occupies o.Path to the first free numbered name.
// It returns the new rooted path, or "" when the path turned out to be free.
func (x *Executor) liberate(o RenameToLiberate, reserved map[string]bool) (string, error) {
	t := x.Target
	name, parent := SplitRel(o.Path)

	var tracked *Entry
	if o.Occupant.ID != 0 {
		cur, err := t.Index.Get(o.Occupant.ID)
		if err != nil {
			return "", err
		}
		if cur != nil && cur.RelPath() == o.Path {
			tracked = cur
		}
	}
	if tracked == nil {
		// The record may have drifted; anything still indexed here is the occupant.
		cur, err := t.Index.FindByRel(o.Path)
		if err != nil {
			return "", err
		}
		tracked = cur
	}

	if !t.exists(o.Path) {
		if tracked != nil {
			return "", fmt.Errorf("%w: stale record %d at %s", ErrDuplicateLocation, tracked.ID, o.Path)
		}
		return "", nil
	}

	newName, err := LiberateName(name, func(c string) (bool, error) {
		rel := path.Join(parent, c)
		if reserved[rel] || t.exists(rel) {
			return true, nil
		}
		e, err := t.Index.FindByLocation(c, parent)
		return e != nil, err
	})
	if err != nil {
		return "", err
	}
	to := path.Join(parent, newName)

	if err := moveFile(t.Fs, t.fsPath(o.Path), t.fsPath(to)); err != nil {
		return "", err
	}
	if tracked != nil {
		if err := t.Index.UpdateLocation(tracked.ID, newName, parent); err != nil {
			if rerr := moveFile(t.Fs, t.fsPath(to), t.fsPath(o.Path)); rerr != nil {
				sub("executor").Error("revert liberation failed", "path", to, "err", rerr)
			}
			return "", err
		}
	}
	sub("executor").Info("liberated", "from", o.Path, "to", to, "root", t.Root, "tracked", tracked != nil)
	return to, nil
}

// copyEntry copies one source file into the target and records it. A failed copy
// leaves neither a file nor a record behind.
func (x *Executor) copyEntry(ctx context.Context, o Copy) (int64, error) {
	if x.Source == nil {
		return 0, fmt.Errorf("copy %s: executor has no source tree", o.Dest)
	}
	src, err := x.Source.Index.Get(o.Source.ID)
	if err != nil {
		return 0, err
	}
	if src == nil {
		return 0, fmt.Errorf("%w: source id %d", ErrNotFound, o.Source.ID)
	}
	if occ, err := x.Target.Index.FindByRel(o.Dest); err != nil {
		return 0, err
	} else if occ != nil {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateLocation, o.Dest)
	}

	dst := x.Target.fsPath(o.Dest)
	sum := x.Hasher.New()
	n, err := SafeCopy(ctx, x.Source.Fs, x.Source.fsPath(src.RelPath()), x.Target.Fs, dst, sum)
	if err != nil {
		return 0, err
	}

	var got Digest
	copy(got[:], sum.Sum(nil))
	if got != src.Digest {
		x.Target.Fs.Remove(dst) //nolint:errcheck
		return 0, fmt.Errorf("%w: %s (indexed %s, copied %s)", ErrDigestMismatch, src.RelPath(), src.Digest, got)
	}

	info, err := x.Target.Fs.Stat(dst)
	if err != nil {
		x.Target.Fs.Remove(dst) //nolint:errcheck
		return 0, fmt.Errorf("stat copy: %w", err)
	}

	name, parent := SplitRel(o.Dest)
	if _, err := x.Target.Index.Insert(Entry{
		Name:       name,
		ParentPath: parent,
		Digest:     got,
		Size:       n,
		ModTime:    info.ModTime(),
	}); err != nil {
		x.Target.Fs.Remove(dst) //nolint:errcheck
		return 0, err
	}
	return n, nil
}

// moveEntry relocates a target entry. It reports false when the entry was already
// at its destination.
func (x *Executor) moveEntry(o Move) (bool, error) {
	t := x.Target
	cur, err := t.Index.Get(o.Entry.ID)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, fmt.Errorf("%w: id %d", ErrNotFound, o.Entry.ID)
	}

	from, to := cur.RelPath(), CleanRel(o.To)
	if from == to {
		return false, nil
	}
	if occ, err := t.Index.FindByRel(to); err != nil {
		return false, err
	} else if occ != nil {
		return false, fmt.Errorf("%w: %s", ErrDuplicateLocation, to)
	}

	if err := moveFile(t.Fs, t.fsPath(from), t.fsPath(to)); err != nil {
		return false, err
	}
	name, parent := SplitRel(to)
	if err := t.Index.UpdateLocation(cur.ID, name, parent); err != nil {
		if rerr := moveFile(t.Fs, t.fsPath(to), t.fsPath(from)); rerr != nil {
			sub("executor").Error("revert move failed", "path", to, "err", rerr)
		}
		return false, err
	}
	return true, nil
}

// deleteEntry removes one entry's file and then its record. When the file cannot
// be removed the record stays so a later run can retry.
func (x *Executor) deleteEntry(o Delete) error {
	t := x.Target
	cur, err := t.Index.Get(o.Entry.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: id %d", ErrNotFound, o.Entry.ID)
	}

	if o.Keeper != nil {
		keeper, err := t.Index.Get(o.Keeper.ID)
		if err != nil {
			return err
		}
		if keeper == nil || keeper.Digest != cur.Digest || !t.exists(keeper.RelPath()) {
			return fmt.Errorf("%w: %s", ErrKeeperMissing, o.Keeper.RelPath())
		}
	}

	rel := cur.RelPath()
	if t.exists(rel) {
		if x.TrashDir != "" {
			if _, err := SoftDelete(t.Fs, t.fsPath(rel), rel, t.fsPath(x.TrashDir)); err != nil {
				return err
			}
		} else if err := t.Fs.Remove(t.fsPath(rel)); err != nil {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	} else {
		sub("executor").Info("file already gone, dropping record", "path", rel, "abs", t.Abs(rel))
	}

	if err := t.Index.Delete(cur.ID); err != nil {
		return err
	}
	return nil
}
