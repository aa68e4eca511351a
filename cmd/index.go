package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/treemirror/mirror"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl tree...",
	Short: "Hash and index every file under each tree",
	Long: `Walk each tree and add every file that is not yet indexed. Files whose size
or mtime changed are rehashed. Records of missing files are kept; use resync
to remove them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg, args[0])
		if err != nil {
			return err
		}
		defer s.Close()

		for _, root := range args {
			t, err := s.tree(root)
			if err != nil {
				return err
			}
			res, err := mirror.Crawl(cmd.Context(), t, s.hasher, s.exclude)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", t.Root, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", t.Root, res.Summary())
		}
		return nil
	},
}

var repeatsCmd = &cobra.Command{
	Use:   "repeats [tree]",
	Short: "List content that is stored more than once in a tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := dedupOptions(cmd)
		if err != nil {
			return err
		}
		_, root, err := treeArgs(cmd, args, false)
		if err != nil {
			return err
		}
		s, err := openSession(cfg, root)
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.tree(root)
		if err != nil {
			return err
		}
		groups, err := mirror.Repeats(cmd.Context(), t, s.hasher, s.exclude, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var wasted int64
		for _, g := range groups {
			fmt.Fprintf(out, "%s  %s\n", g.Digest, humanize.IBytes(uint64(g.Survivor.Size)))
			fmt.Fprintf(out, "  keep %s\n", g.Survivor.RelPath())
			for _, e := range g.Others {
				fmt.Fprintf(out, "  dup  %s\n", e.RelPath())
				wasted += e.Size
			}
		}
		fmt.Fprintf(out, "%d groups, %s reclaimable\n", len(groups), humanize.IBytes(uint64(wasted)))
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune [tree]",
	Short: "Remove empty directories from a tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, root, err := treeArgs(cmd, args, false)
		if err != nil {
			return err
		}
		s, err := openSession(cfg, root)
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.tree(root)
		if err != nil {
			return err
		}
		rep, err := mirror.PruneEmptyDirs(t.Fs, mirror.RootPath, s.exclude)
		for _, d := range rep.Dirs {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d empty directories removed, %d visited, %d failed\n",
			rep.Removed, rep.Visited, rep.Failed)
		if err != nil {
			return err
		}
		if rep.Failed > 0 {
			return fmt.Errorf("%d directories could not be pruned", rep.Failed)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats tree...",
	Short: "Show entry counts for each tree's index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cfg, "")
		if err != nil {
			return err
		}
		defer s.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TREE\tENTRIES\tUNIQUE\tSIZE\tDIGEST")
		for _, root := range args {
			t, err := s.tree(root)
			if err != nil {
				return err
			}
			st, err := t.Index.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Root, humanize.Comma(int64(st.Entries)),
				humanize.Comma(int64(st.UniqueDigests)), humanize.IBytes(uint64(st.TotalBytes)), t.Index.Algorithm())
		}
		return w.Flush()
	},
}

func init() {
	addTreeFlags(repeatsCmd, false)
	addDedupFlags(repeatsCmd)
	addTreeFlags(pruneCmd, false)
}
