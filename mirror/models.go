package mirror

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// nowFunc is the time source, replaceable in tests.
var nowFunc = time.Now

// DigestSize is the width of every content digest stored in an index.
const DigestSize = 20

// Digest is a whole-file content digest.
type Digest [DigestSize]byte

// Hex returns the lowercase hex form of d.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex()[:12] }

// IsZero reports whether d was never set.
func (d Digest) IsZero() bool { return d == Digest{} }

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	return d[:], nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("digest: unsupported column type %T", src)
	}
	if len(b) != DigestSize {
		return fmt.Errorf("digest: got %d bytes, want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return nil
}

// RootPath is the parent path of entries directly under a mountpath.
const RootPath = "/"

// Entry is one tracked file in an index.
// ParentPath is rooted and slash-separated; it is RootPath for top-level files.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	ParentPath string    `json:"parentPath" yaml:"parentPath"`
	Digest     Digest    `json:"-" yaml:"-"`
	Size       int64     `json:"size" yaml:"size"`
	ModTime    time.Time `json:"modTime" yaml:"modTime"`
}

// RelPath returns the rooted, slash-separated location of e.
func (e Entry) RelPath() string {
	return path.Join(e.ParentPath, e.Name)
}

// SameLocation reports whether e and o claim the same location.
func (e Entry) SameLocation(o Entry) bool {
	return e.Name == o.Name && e.ParentPath == o.ParentPath
}

// SplitRel splits a rooted relative path into (name, parentPath).
func SplitRel(rel string) (name, parentPath string) {
	rel = CleanRel(rel)
	dir, name := path.Split(rel)
	if dir == "" {
		dir = RootPath
	}
	if dir != RootPath {
		dir = strings.TrimSuffix(dir, "/")
	}
	return name, dir
}

// CleanRel roots and cleans a slash-separated relative path. Names keep
// their on-disk spelling; see foldName for comparisons.
func CleanRel(rel string) string {
	return path.Clean("/" + rel)
}

// foldName returns the NFC form of s. Two spellings of the same name
// (precomposed vs. combining accents) fold to the same key, but only the
// on-disk spelling may be used to reach a file.
func foldName(s string) string {
	return norm.NFC.String(s)
}

// Stats are aggregate counts of one index, reported before and after a run.
type Stats struct {
	Entries       int   `json:"entries" yaml:"entries"`
	UniqueDigests int   `json:"uniqueDigests" yaml:"uniqueDigests"`
	TotalBytes    int64 `json:"totalBytes" yaml:"totalBytes"`
}
