package mirror

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Tree binds a mountpath to its index and a filesystem rooted at it.
// Paths handed to Fs are rooted relative paths ("/docs/a.txt").
type Tree struct {
	Root  string
	Fs    afero.Fs
	Index *Index
}

// NewTree returns a tree over the OS filesystem at root.
func NewTree(root string, idx *Index) *Tree {
	return &Tree{
		Root:  root,
		Fs:    afero.NewBasePathFs(afero.NewOsFs(), root),
		Index: idx,
	}
}

// fsPath converts a rooted slash path to the form used on t.Fs.
func (t *Tree) fsPath(rel string) string {
	return filepath.FromSlash(CleanRel(rel))
}

// Abs returns the absolute OS path of rel, for messages and preflight checks.
func (t *Tree) Abs(rel string) string {
	return filepath.Join(t.Root, filepath.FromSlash(strings.TrimPrefix(CleanRel(rel), "/")))
}

// stat returns the file info at rel, or nil when nothing is there.
func (t *Tree) stat(rel string) (os.FileInfo, error) {
	info, err := t.Fs.Stat(t.fsPath(rel))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return info, err
}

// exists reports whether a regular file or directory is present at rel.
func (t *Tree) exists(rel string) bool {
	info, err := t.stat(rel)
	return err == nil && info != nil
}
