package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "treemirror",
	Short: "Mirror a source tree into a target tree by content",
	Long: `treemirror keeps a target directory tree in line with a source tree using
content digests stored in a SQLite index. Files that already exist in the
target under another name are moved instead of copied, name collisions are
resolved by renaming the occupant, and nothing is deleted without
confirmation.`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return initConfig(cmd) },
}

func init() {
	cobra.EnableCommandSorting = false
	addConfigFlags(rootCmd)

	rootCmd.AddCommand(crawlCmd, resyncCmd, mirrorCmd, excessCmd, dedupCmd, repeatsCmd, pruneCmd, statsCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the run between
// operations.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
