package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithin(t *testing.T) {
	assert.True(t, within("/data/a", "/data/a"))
	assert.True(t, within("/data/a/b", "/data/a"))
	assert.False(t, within("/data/ab", "/data/a"))
	assert.False(t, within("/data", "/data/a"))
	assert.False(t, within("/other", "/data"))
}

func treeCmd(withSource bool, flags ...string) *cobra.Command {
	c := &cobra.Command{Use: "test"}
	addTreeFlags(c, withSource)
	c.Flags().Parse(flags) //nolint:errcheck
	return c
}

func TestTreeArgs(t *testing.T) {
	src, tgt, err := treeArgs(treeCmd(true), []string{"/s", "/t"}, true)
	require.NoError(t, err)
	assert.Equal(t, "/s", src)
	assert.Equal(t, "/t", tgt)

	src, tgt, err = treeArgs(treeCmd(true, "--sp", "/s"), []string{"/t"}, true)
	require.NoError(t, err)
	assert.Equal(t, "/s", src)
	assert.Equal(t, "/t", tgt)

	src, tgt, err = treeArgs(treeCmd(true, "--sp", "/s", "--tp", "/t"), nil, true)
	require.NoError(t, err)
	assert.Equal(t, "/s", src)
	assert.Equal(t, "/t", tgt)

	_, tgt, err = treeArgs(treeCmd(false), []string{"/only"}, false)
	require.NoError(t, err)
	assert.Equal(t, "/only", tgt)
}

func TestTreeArgs_Errors(t *testing.T) {
	_, _, err := treeArgs(treeCmd(true), nil, true)
	assert.ErrorContains(t, err, "source")

	_, _, err = treeArgs(treeCmd(true), []string{"/s"}, true)
	assert.ErrorContains(t, err, "target")

	_, _, err = treeArgs(treeCmd(false, "--tp", "/t"), []string{"/extra"}, false)
	assert.ErrorContains(t, err, "unexpected")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	v, cfgFile = viper.New(), ""
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func put(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	db := filepath.Join(dir, "state", "index.db")
	src := filepath.Join(dir, "src")
	tgt := filepath.Join(dir, "tgt")
	put(t, src, "docs/a.txt", "H1")
	put(t, tgt, "old/a.txt", "H1")
	put(t, tgt, "extra.txt", "only in target")

	out, err := runCLI(t, "crawl", src, tgt, "--index-db", db, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, src)

	out, err = runCLI(t, "mirror", src, tgt, "--index-db", db, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "moved 1")
	assert.FileExists(t, filepath.Join(tgt, "docs", "a.txt"))
	assert.NoDirExists(t, filepath.Join(tgt, "old"))

	out, err = runCLI(t, "excess", "--sp", src, "--tp", tgt, "--index-db", db, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "not a terminal")
	assert.FileExists(t, filepath.Join(tgt, "extra.txt"))

	out, err = runCLI(t, "excess", "--sp", src, "--tp", tgt, "--index-db", db, "--log-level", "error", "--yes")
	require.NoError(t, err, out)
	assert.NoFileExists(t, filepath.Join(tgt, "extra.txt"))

	out, err = runCLI(t, "stats", src, tgt, "--index-db", db, "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ENTRIES")

	_, err = runCLI(t, "mirror", src, filepath.Join(src, "docs"), "--index-db", db, "--log-level", "error")
	assert.ErrorContains(t, err, "overlap")
}
