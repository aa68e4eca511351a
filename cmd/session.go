package cmd

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/treemirror/mirror"
)

// session holds what every command opens: the index database, the hasher
// and the exclusion policy.
type session struct {
	cfg     *Config
	db      *sql.DB
	hasher  *mirror.Hasher
	exclude *mirror.Exclusion
	planOut io.WriteCloser
}

// openSession opens the index and loads exclusions relative to primary, the
// tree whose ignore file applies when none is configured.
func openSession(c *Config, primary string) (*session, error) {
	hasher, err := mirror.NewHasher(c.Digest, c.HashCacheTTL)
	if err != nil {
		return nil, err
	}
	db, err := mirror.OpenDB(c.IndexDB)
	if err != nil {
		return nil, err
	}

	rules := append([]string(nil), c.Exclude...)
	if c.TrashDir != "" {
		rules = append(rules, c.TrashDir)
	}
	ignore := c.IgnoreFile
	if ignore == "" && primary != "" {
		ignore = filepath.Join(primary, mirror.IgnoreFileName)
	}

	return &session{
		cfg:     c,
		db:      db,
		hasher:  hasher,
		exclude: mirror.LoadExclusion(rules, ignore),
	}, nil
}

func (s *session) Close() error {
	if s.planOut != nil {
		s.planOut.Close() //nolint:errcheck
	}
	return s.db.Close()
}

// tree opens the index of the directory at root.
func (s *session) tree(root string) (*mirror.Tree, error) {
	abs, err := absDir(root)
	if err != nil {
		return nil, err
	}
	idx, err := mirror.OpenIndex(s.db, abs, s.cfg.Digest)
	if err != nil {
		return nil, err
	}
	idx.SetPageSize(s.cfg.PageSize)
	return mirror.NewTree(abs, idx), nil
}

// runner builds a runner from the session and the command's flags.
func (s *session) runner(cmd *cobra.Command, source, target *mirror.Tree) (*mirror.Runner, error) {
	flags := cmd.Flags()
	dryRun, _ := flags.GetBool("dry-run")
	yes, _ := flags.GetBool("yes")
	resync, _ := flags.GetBool("resync")
	noPrune, _ := flags.GetBool("no-prune")
	planOut, _ := flags.GetString("plan-out")

	r := &mirror.Runner{
		Source:      source,
		Target:      target,
		Hasher:      s.hasher,
		Exclude:     s.exclude,
		Gate:        newConsoleGate(cmd.InOrStdin(), cmd.OutOrStdout(), yes),
		TrashDir:    s.cfg.TrashDir,
		FreeSpace:   mirror.DiskFree,
		DryRun:      dryRun,
		Resync:      resync,
		DetectMoves: s.cfg.DetectMoves,
		Prune:       !noPrune,
	}
	if planOut != "" {
		p, err := homedir.Expand(planOut)
		if err != nil {
			return nil, err
		}
		f, err := os.Create(p)
		if err != nil {
			return nil, fmt.Errorf("plan output: %w", err)
		}
		s.planOut = f
		r.PlanOut = f
	}
	return r, nil
}

func absDir(root string) (string, error) {
	p, err := homedir.Expand(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

// addRunFlags registers the flags shared by commands that execute plans.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("dry-run", false, "plan and report without touching any file")
	f.BoolP("yes", "y", false, "confirm deletions without prompting")
	f.Bool("resync", false, "refresh the indices from disk before planning")
	f.Bool("no-prune", false, "keep directories left empty by the run")
	f.String("plan-out", "", "write the plan as YAML to this file")
}

// addTreeFlags registers --sp and --tp as alternatives to positional paths.
func addTreeFlags(cmd *cobra.Command, withSource bool) {
	if withSource {
		cmd.Flags().String("sp", "", "source tree path")
	}
	cmd.Flags().String("tp", "", "target tree path")
}

// treeArgs resolves the source and target paths from --sp/--tp or
// positional arguments, in that order.
func treeArgs(cmd *cobra.Command, args []string, withSource bool) (source, target string, err error) {
	if withSource {
		source, _ = cmd.Flags().GetString("sp")
		if source == "" && len(args) > 0 {
			source, args = args[0], args[1:]
		}
		if source == "" {
			return "", "", fmt.Errorf("missing source path (--sp or first argument)")
		}
	}
	target, _ = cmd.Flags().GetString("tp")
	if target == "" && len(args) > 0 {
		target, args = args[0], args[1:]
	}
	if target == "" {
		return "", "", fmt.Errorf("missing target path (--tp or argument)")
	}
	if len(args) > 0 {
		return "", "", fmt.Errorf("unexpected arguments: %v", args)
	}
	return source, target, nil
}
