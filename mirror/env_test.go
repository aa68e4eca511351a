package mirror

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openDBAt(filepath.Join(t.TempDir(), "test-index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(AlgoSHA1, 0)
	require.NoError(t, err)
	return h
}

type mirrorEnv struct {
	db         *sql.DB
	hasher     *Hasher
	sourceRoot string
	targetRoot string
	source     *Tree
	target     *Tree
}

func setupMirrorEnv(t *testing.T) *mirrorEnv {
	t.Helper()
	dir := t.TempDir()
	sourceRoot := filepath.Join(dir, "source")
	targetRoot := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(sourceRoot, 0755))
	require.NoError(t, os.MkdirAll(targetRoot, 0755))

	db := setupTestDB(t)
	src, err := OpenIndex(db, sourceRoot, AlgoSHA1)
	require.NoError(t, err)
	tgt, err := OpenIndex(db, targetRoot, AlgoSHA1)
	require.NoError(t, err)

	return &mirrorEnv{
		db:         db,
		hasher:     testHasher(t),
		sourceRoot: sourceRoot,
		targetRoot: targetRoot,
		source:     NewTree(sourceRoot, src),
		target:     NewTree(targetRoot, tgt),
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/"))))
	require.NoError(t, err)
	return string(b)
}

func fileExists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/"))))
	return err == nil
}

func (env *mirrorEnv) writeSource(t *testing.T, rel, content string) {
	writeFile(t, env.sourceRoot, rel, content)
}
func (env *mirrorEnv) writeTarget(t *testing.T, rel, content string) {
	writeFile(t, env.targetRoot, rel, content)
}

// crawl indexes both trees from disk.
func (env *mirrorEnv) crawl(t *testing.T) {
	t.Helper()
	for _, tr := range []*Tree{env.source, env.target} {
		_, err := Crawl(context.Background(), tr, env.hasher, nil)
		require.NoError(t, err)
	}
}

func (env *mirrorEnv) planner() *Planner {
	return &Planner{Source: env.source, Target: env.target, Hasher: env.hasher}
}

func (env *mirrorEnv) executor() *Executor {
	return &Executor{Source: env.source, Target: env.target, Hasher: env.hasher}
}

func (env *mirrorEnv) planMirror(t *testing.T) *Plan {
	t.Helper()
	plan, err := env.planner().PlanMirror(context.Background())
	require.NoError(t, err)
	return plan
}

func digestOf(t *testing.T, content string) Digest {
	t.Helper()
	d, err := testHasher(t).Sum(strings.NewReader(content))
	require.NoError(t, err)
	return d
}

// insertEntry indexes rel in tr with content's digest without touching disk.
func insertEntry(t *testing.T, tr *Tree, rel, content string) Entry {
	t.Helper()
	name, parent := SplitRel(rel)
	e, err := tr.Index.Insert(Entry{
		Name:       name,
		ParentPath: parent,
		Digest:     digestOf(t, content),
		Size:       int64(len(content)),
		ModTime:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	return e
}
