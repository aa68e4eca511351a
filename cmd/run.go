package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/treemirror/mirror"
)

type runFunc func(ctx context.Context, r *mirror.Runner) (*mirror.RunReport, error)

// within reports whether a is b or lies beneath it.
func within(a, b string) bool {
	rel, err := filepath.Rel(b, a)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// runTwoTrees opens source and target from the command line and runs fn.
func runTwoTrees(cmd *cobra.Command, args []string, fn runFunc) error {
	src, tgt, err := treeArgs(cmd, args, true)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, src)
	if err != nil {
		return err
	}
	defer s.Close()

	source, err := s.tree(src)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	target, err := s.tree(tgt)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if within(source.Root, target.Root) || within(target.Root, source.Root) {
		return fmt.Errorf("source %s and target %s overlap", source.Root, target.Root)
	}

	r, err := s.runner(cmd, source, target)
	if err != nil {
		return err
	}
	return report(cmd, fn, r)
}

// runOneTree opens a single tree as the runner's target and runs fn.
func runOneTree(cmd *cobra.Command, args []string, fn runFunc) error {
	_, tgt, err := treeArgs(cmd, args, false)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, tgt)
	if err != nil {
		return err
	}
	defer s.Close()

	target, err := s.tree(tgt)
	if err != nil {
		return err
	}
	r, err := s.runner(cmd, nil, target)
	if err != nil {
		return err
	}
	return report(cmd, fn, r)
}

func report(cmd *cobra.Command, fn runFunc, r *mirror.Runner) error {
	rep, err := fn(cmd.Context(), r)
	if rep != nil {
		rep.Write(cmd.OutOrStdout())
	}
	if err != nil {
		return err
	}
	if rep.Exec.Failed > 0 {
		return fmt.Errorf("%d operations failed", rep.Exec.Failed)
	}
	if rep.Exec.Cancelled > 0 {
		return fmt.Errorf("cancelled with %d operations left", rep.Exec.Cancelled)
	}
	return nil
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror [source] [target]",
	Short: "Copy and move files so the target holds every source file",
	Long: `Plan and apply the copies and moves that make the target hold every unique
source file at the same relative location. Content already present in the
target is moved into place instead of copied. Files in the way are renamed
to "name 2.ext" and so on. Nothing is deleted.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTwoTrees(cmd, args, func(ctx context.Context, r *mirror.Runner) (*mirror.RunReport, error) {
			return r.Mirror(ctx)
		})
	},
}

var excessCmd = &cobra.Command{
	Use:   "excess [source] [target]",
	Short: "Delete target files whose content is nowhere in the source",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTwoTrees(cmd, args, func(ctx context.Context, r *mirror.Runner) (*mirror.RunReport, error) {
			return r.Excess(ctx)
		})
	},
}

var dedupCmd = &cobra.Command{
	Use:   "dedup [tree]",
	Short: "Delete redundant copies of the same content within one tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := dedupOptions(cmd)
		if err != nil {
			return err
		}
		return runOneTree(cmd, args, func(ctx context.Context, r *mirror.Runner) (*mirror.RunReport, error) {
			return r.Dedup(ctx, opts)
		})
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync [tree]",
	Short: "Bring a tree's index in line with the files on disk",
	Long: `Compare the index with the files on disk. New files are hashed and added,
changed files are rehashed, and with --detect-moves renamed files are matched
by name, size and mtime. Records of missing files are removed only after
confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOneTree(cmd, args, func(ctx context.Context, r *mirror.Runner) (*mirror.RunReport, error) {
			return r.ResyncOnly(ctx)
		})
	},
}

func dedupOptions(cmd *cobra.Command) (mirror.DedupOptions, error) {
	policy, err := mirror.ParseSurvivorPolicy(cfg.DedupPolicy)
	if err != nil {
		return mirror.DedupOptions{}, err
	}
	scope, _ := cmd.Flags().GetString("scope")
	under, _ := cmd.Flags().GetString("under")
	switch mirror.DedupScope(scope) {
	case mirror.ScopeTree, mirror.ScopeDir:
	default:
		return mirror.DedupOptions{}, fmt.Errorf("unknown scope %q", scope)
	}
	return mirror.DedupOptions{Policy: policy, Scope: mirror.DedupScope(scope), Under: under}, nil
}

func addDedupFlags(cmd *cobra.Command) {
	cmd.Flags().String("scope", string(mirror.ScopeTree), "compare copies across the whole tree or only within a directory (tree|dir)")
	cmd.Flags().String("under", "", "only delete copies at or below this path")
}

func init() {
	for _, c := range []*cobra.Command{mirrorCmd, excessCmd} {
		addTreeFlags(c, true)
		addRunFlags(c)
	}
	for _, c := range []*cobra.Command{dedupCmd, resyncCmd} {
		addTreeFlags(c, false)
		addRunFlags(c)
	}
	addDedupFlags(dedupCmd)
}
