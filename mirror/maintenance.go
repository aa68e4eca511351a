package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// PruneReport counts what PruneEmptyDirs saw and did.
type PruneReport struct {
	Visited int
	Removed int
	Failed  int
	Dirs    []string
}

// PruneEmptyDirs removes every directory under root on fsys that is empty or
// becomes empty once its empty children are gone. Root itself is never
// removed and excluded directories are left untouched. A subdirectory that
// cannot be read or removed is counted as failed and kept; only an unreadable
// root is an error.
func PruneEmptyDirs(fsys afero.Fs, root string, ex *Exclusion) (PruneReport, error) {
	var rep PruneReport
	root = CleanRel(root)
	infos, err := afero.ReadDir(fsys, filepath.FromSlash(root))
	if err != nil {
		return rep, fmt.Errorf("read dir %s: %w", root, err)
	}
	rep.Visited++
	pruneChildren(fsys, root, infos, ex, &rep)
	if rep.Removed > 0 || rep.Failed > 0 {
		sub("maintenance").Info("pruned empty directories", "root", root,
			"visited", rep.Visited, "removed", rep.Removed, "failed", rep.Failed)
	}
	return rep, nil
}

// pruneChildren prunes the subdirectories of dir and reports whether dir is
// left empty.
func pruneChildren(fsys afero.Fs, dir string, infos []os.FileInfo, ex *Exclusion, rep *PruneReport) bool {
	empty := true
	for _, info := range infos {
		if !info.IsDir() {
			empty = false
			continue
		}
		child := path.Join(dir, info.Name())
		if ex.IsExcluded(child, true) || !pruneDir(fsys, child, ex, rep) {
			empty = false
		}
	}
	return empty
}

// pruneDir reports whether dir was removed.
func pruneDir(fsys afero.Fs, dir string, ex *Exclusion, rep *PruneReport) bool {
	l := sub("maintenance")
	infos, err := afero.ReadDir(fsys, filepath.FromSlash(dir))
	if err != nil {
		rep.Failed++
		l.Warn("prune: unreadable directory", "dir", dir, "err", err)
		return false
	}
	rep.Visited++
	if !pruneChildren(fsys, dir, infos, ex, rep) {
		return false
	}
	if err := fsys.Remove(filepath.FromSlash(dir)); err != nil {
		rep.Failed++
		l.Warn("prune failed", "dir", dir, "err", err)
		return false
	}
	rep.Removed++
	rep.Dirs = append(rep.Dirs, dir)
	return true
}

// DiskFile is a regular file found on disk during a resync walk.
type DiskFile struct {
	Path    string // rooted, spelled as on disk
	fsPath  string // as found on disk
	Size    int64
	ModTime time.Time
	info    os.FileInfo
}

// ResyncMove pairs a stale record with the untracked file it most likely
// became.
type ResyncMove struct {
	Entry Entry
	To    DiskFile
}

// ResyncOptions configure Resync.
type ResyncOptions struct {
	// DetectMoves pairs stale records with untracked files by name, size
	// and modification time instead of treating them as delete plus insert.
	DetectMoves bool
}

// ResyncApplied counts what ApplyResync changed in the index.
type ResyncApplied struct {
	Inserted int
	Updated  int
	Moved    int
	Removed  int
	Failed   int
}

// ResyncResult is the drift between one index and its tree.
type ResyncResult struct {
	Root      string
	Stale     []Entry    // indexed, file gone
	Untracked []DiskFile // on disk, not indexed
	Changed   []Entry    // indexed, size or mtime differ on disk
	Moves     []ResyncMove
	Applied   ResyncApplied
}

// InSync reports whether the index matched the tree.
func (r *ResyncResult) InSync() bool {
	return len(r.Stale) == 0 && len(r.Untracked) == 0 && len(r.Changed) == 0 && len(r.Moves) == 0
}

// StalePlan returns the deletion plan for the stale records. Executing it
// only drops records; their files are already gone.
func (r *ResyncResult) StalePlan() *Plan {
	b := newPlanBuilder("resync-stale")
	for _, e := range r.Stale {
		b.add(Delete{Entry: e, Reason: "file missing"})
	}
	return b.done()
}

// Summary renders the drift counts on one line.
func (r *ResyncResult) Summary() string {
	return fmt.Sprintf("%d stale, %d untracked, %d changed, %d moved; applied %d inserts, %d updates, %d moves, %d removals, %d failures",
		len(r.Stale), len(r.Untracked), len(r.Changed), len(r.Moves),
		r.Applied.Inserted, r.Applied.Updated, r.Applied.Moved, r.Applied.Removed, r.Applied.Failed)
}

// Resync compares t's index with what is on disk. It reads only: nothing is
// hashed and nothing changes until ApplyResync.
func Resync(ctx context.Context, t *Tree, ex *Exclusion, opts ResyncOptions) (*ResyncResult, error) {
	l := sub("maintenance")
	res := &ResyncResult{Root: t.Root}

	for e, err := range t.Index.ScanAll() {
		if err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ex.IsExcluded(e.RelPath(), false) {
			continue
		}
		info, err := t.stat(e.RelPath())
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.RelPath(), err)
		}
		switch {
		case info == nil || info.IsDir():
			res.Stale = append(res.Stale, e)
		case info.Size() != e.Size || !info.ModTime().Equal(e.ModTime):
			res.Changed = append(res.Changed, e)
		}
	}

	err := afero.Walk(t.Fs, string(filepath.Separator), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			l.Warn("walk error", "path", p, "err", err)
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel := CleanRel(filepath.ToSlash(p))
		if rel == RootPath {
			return nil
		}
		if info.IsDir() {
			if ex.IsExcluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || info.Name() == IgnoreFileName || isPartial(info.Name()) || ex.IsExcluded(rel, false) {
			return nil
		}
		e, err := t.Index.FindByRel(rel)
		if err != nil {
			return err
		}
		if e == nil {
			res.Untracked = append(res.Untracked, DiskFile{Path: rel, fsPath: p, Size: info.Size(), ModTime: info.ModTime(), info: info})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", t.Root, err)
	}

	if opts.DetectMoves {
		res.detectMoves()
	}

	l.Info("resync scanned", "root", t.Root, "stale", len(res.Stale), "untracked", len(res.Untracked),
		"changed", len(res.Changed), "moves", len(res.Moves))
	return res, nil
}

// detectMoves pairs stale records and untracked files where the pairing is
// unique in both directions.
func (r *ResyncResult) detectMoves() {
	byStale := make(map[int64][]int)
	for i, f := range r.Untracked {
		probe := Entry{Name: path.Base(f.Path), Size: f.Size, ModTime: f.ModTime}
		if m, ok := MatchByMetadata(probe, r.Stale); ok {
			byStale[m.ID] = append(byStale[m.ID], i)
		}
	}

	moved := make(map[int]bool)
	var stale []Entry
	for _, e := range r.Stale {
		idx := byStale[e.ID]
		if len(idx) != 1 {
			stale = append(stale, e)
			continue
		}
		r.Moves = append(r.Moves, ResyncMove{Entry: e, To: r.Untracked[idx[0]]})
		moved[idx[0]] = true
	}

	var untracked []DiskFile
	for i, f := range r.Untracked {
		if !moved[i] {
			untracked = append(untracked, f)
		}
	}
	r.Stale, r.Untracked = stale, untracked
}

// ApplyResync brings t's index in line with res: untracked files are hashed
// and inserted, changed files rehashed, detected moves relocated. Stale
// records are removed only when removeStale is set, through the executor.
func ApplyResync(ctx context.Context, t *Tree, hasher *Hasher, res *ResyncResult, removeStale bool) error {
	l := sub("maintenance")
	a := &res.Applied

	for _, m := range res.Moves {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, parent := SplitRel(m.To.Path)
		if err := t.Index.UpdateLocation(m.Entry.ID, name, parent); err != nil {
			a.Failed++
			l.Error("resync move failed", "id", m.Entry.ID, "to", m.To.Path, "err", err)
			continue
		}
		// The match ignores sub-second mtime; store what is on disk now.
		if err := t.Index.UpdateContent(m.Entry.ID, m.Entry.Digest, m.To.Size, m.To.ModTime); err != nil {
			l.Warn("resync move metadata", "id", m.Entry.ID, "err", err)
		}
		a.Moved++
	}

	for _, e := range res.Changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := t.stat(e.RelPath())
		if err != nil || info == nil {
			a.Failed++
			l.Warn("changed file vanished", "path", e.RelPath(), "err", err)
			continue
		}
		d, err := hasher.SumFile(t.Fs, t.fsPath(e.RelPath()), info)
		if err != nil {
			a.Failed++
			l.Warn("rehash failed", "path", e.RelPath(), "err", err)
			continue
		}
		if err := t.Index.UpdateContent(e.ID, d, info.Size(), info.ModTime()); err != nil {
			a.Failed++
			l.Error("update content failed", "path", e.RelPath(), "err", err)
			continue
		}
		a.Updated++
	}

	for _, f := range res.Untracked {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := hasher.SumFile(t.Fs, f.fsPath, f.info)
		if err != nil {
			a.Failed++
			l.Warn("hash failed", "path", f.Path, "err", err)
			continue
		}
		name, parent := SplitRel(f.Path)
		if _, err := t.Index.Insert(Entry{Name: name, ParentPath: parent, Digest: d, Size: f.Size, ModTime: f.ModTime}); err != nil {
			a.Failed++
			l.Error("insert failed", "path", f.Path, "err", err)
			continue
		}
		a.Inserted++
	}

	if removeStale && len(res.Stale) > 0 {
		// A file that came back since the scan must not be deleted with its record.
		gone := &ResyncResult{Stale: lo.Filter(res.Stale, func(e Entry, _ int) bool { return !t.exists(e.RelPath()) })}
		x := &Executor{Target: t, Hasher: hasher}
		rep := x.Execute(ctx, gone.StalePlan(), ExecOptions{Confirmed: true})
		a.Removed += rep.Deleted
		a.Failed += rep.Failed
	}

	l.Info("resync applied", "root", t.Root, "inserted", a.Inserted, "updated", a.Updated,
		"moved", a.Moved, "removed", a.Removed, "failed", a.Failed)
	return nil
}

// Crawl populates or refreshes t's index from disk. Records of missing files
// are reported but kept.
func Crawl(ctx context.Context, t *Tree, hasher *Hasher, ex *Exclusion) (*ResyncResult, error) {
	res, err := Resync(ctx, t, ex, ResyncOptions{})
	if err != nil {
		return nil, err
	}
	if err := ApplyResync(ctx, t, hasher, res, false); err != nil {
		return res, err
	}
	return res, nil
}
