package mirror

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Failure records one operation that did not complete.
type Failure struct {
	Kind OpKind `json:"kind"`
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Liberation records an occupant renamed out of the way.
type Liberation struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Report summarizes one execution.
type Report struct {
	Plan        string       `json:"plan"`
	Planned     int          `json:"planned"`
	Copied      int          `json:"copied"`
	Moved       int          `json:"moved"`
	Renamed     int          `json:"renamed"`
	Deleted     int          `json:"deleted"`
	NoOps       int          `json:"noops"`
	Failed      int          `json:"failed"`
	Cancelled   int          `json:"cancelled"`
	BytesCopied int64        `json:"bytes_copied"`
	Failures    []Failure    `json:"failures,omitempty"`
	Liberated   []Liberation `json:"liberated,omitempty"`
}

func (r *Report) fail(op Operation, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Kind: op.Kind(), Path: op.Target(), Err: err.Error()})
}

// Merge adds o's counts and records to r.
func (r *Report) Merge(o Report) {
	r.Planned += o.Planned
	r.Copied += o.Copied
	r.Moved += o.Moved
	r.Renamed += o.Renamed
	r.Deleted += o.Deleted
	r.NoOps += o.NoOps
	r.Failed += o.Failed
	r.Cancelled += o.Cancelled
	r.BytesCopied += o.BytesCopied
	r.Failures = append(r.Failures, o.Failures...)
	r.Liberated = append(r.Liberated, o.Liberated...)
}

// Summary renders the counters on one line.
func (r Report) Summary() string {
	return fmt.Sprintf("copied %d (%s), moved %d, renamed %d, deleted %d, unchanged %d, failed %d, cancelled %d",
		r.Copied, humanize.IBytes(uint64(r.BytesCopied)), r.Moved, r.Renamed, r.Deleted, r.NoOps, r.Failed, r.Cancelled)
}

// RunReport is what a Runner hands back for one command.
type RunReport struct {
	Command string
	DryRun  bool
	Plan    *Plan
	Exec    Report
	Resync  []*ResyncResult
	Prune   PruneReport
	// Refused lists deletions the gate declined; none of them ran.
	Refused []Delete

	SourceBefore, SourceAfter Stats
	TargetBefore, TargetAfter Stats

	RecentErrors []LogEntry
}

func writeStats(w io.Writer, label string, before, after Stats) {
	fmt.Fprintf(w, "%-7s %s entries, %s unique, %s", label,
		humanize.Comma(int64(after.Entries)), humanize.Comma(int64(after.UniqueDigests)), humanize.IBytes(uint64(after.TotalBytes)))
	if before != after {
		fmt.Fprintf(w, " (was %s entries, %s)", humanize.Comma(int64(before.Entries)), humanize.IBytes(uint64(before.TotalBytes)))
	}
	fmt.Fprintln(w)
}

// Write renders the report for a terminal.
func (r *RunReport) Write(w io.Writer) {
	title := r.Command
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("-", len(title)))

	for _, rs := range r.Resync {
		fmt.Fprintf(w, "resync  %s: %s\n", rs.Root, rs.Summary())
	}
	if r.Plan != nil {
		fmt.Fprintf(w, "plan    %d operations", r.Plan.Len())
		for _, k := range []OpKind{KindCopy, KindMove, KindLiberate, KindDelete, KindNoOp} {
			if n := r.Plan.Counts()[k]; n > 0 {
				fmt.Fprintf(w, ", %d %s", n, k)
			}
		}
		if n := len(r.Plan.Skips()); n > 0 {
			fmt.Fprintf(w, ", %d skipped", n)
		}
		fmt.Fprintln(w)
		for state, n := range r.Plan.SkipCounts() {
			fmt.Fprintf(w, "        %s: %d\n", state, n)
		}
	}
	if !r.DryRun && r.Plan != nil {
		fmt.Fprintf(w, "result  %s\n", r.Exec.Summary())
	}
	if r.Prune.Visited > 0 {
		fmt.Fprintf(w, "pruned  %d empty directories (%d visited, %d failed)\n",
			r.Prune.Removed, r.Prune.Visited, r.Prune.Failed)
	}

	if r.SourceAfter != (Stats{}) || r.SourceBefore != (Stats{}) {
		writeStats(w, "source", r.SourceBefore, r.SourceAfter)
	}
	if r.TargetAfter != (Stats{}) || r.TargetBefore != (Stats{}) {
		writeStats(w, "target", r.TargetBefore, r.TargetAfter)
	}

	if len(r.Refused) > 0 {
		fmt.Fprintf(w, "\n%d deletions refused, nothing removed:\n", len(r.Refused))
		for _, d := range r.Refused {
			fmt.Fprintf(w, "  %s\n", d.Entry.RelPath())
		}
	}
	for _, l := range r.Exec.Liberated {
		fmt.Fprintf(w, "renamed %s -> %s\n", l.From, l.To)
	}
	if len(r.Exec.Failures) > 0 {
		fmt.Fprintln(w, "\nfailures:")
		for _, f := range r.Exec.Failures {
			fmt.Fprintf(w, "  %s %s: %s\n", f.Kind, f.Path, f.Err)
		}
	}
	if len(r.RecentErrors) > 0 {
		fmt.Fprintln(w, "\nrecent errors:")
		for _, e := range r.RecentErrors {
			fmt.Fprintf(w, "  %s %s %s", e.Time.Format("15:04:05"), e.Comp, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, " %s", e.Path)
			}
			if e.Error != "" {
				fmt.Fprintf(w, ": %s", e.Error)
			}
			fmt.Fprintln(w)
		}
	}
}
