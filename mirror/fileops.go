package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	copyChunkSize = 256 * 1024
	tmpSuffix     = ".mirror-tmp"
	maxNameLen    = 255

	// maxLiberateAttempts bounds the numeric suffixes tried by LiberateName.
	maxLiberateAttempts = 1000
)

// ErrSourceModified is returned when SafeCopy detects that the source
// file was modified during the copy.
var ErrSourceModified = fmt.Errorf("source modified during copy")

// safeTmpPath returns the temporary path used while copying to dst.
// Long names are replaced by a digest so the tmp name stays within limits.
func safeTmpPath(dst string) string {
	base := filepath.Base(dst)
	if len(base)+len(tmpSuffix) <= maxNameLen {
		return dst + tmpSuffix
	}
	sum := sha1.Sum([]byte(base))
	return filepath.Join(filepath.Dir(dst), "."+hex.EncodeToString(sum[:8])+tmpSuffix+"-"+strconv.Itoa(len(base)))
}

// SafeCopy copies src on srcFs to dst on dstFs:
//  1. refuse if dst exists
//  2. record src mtime, copy to a tmp file in chunks, feeding sum if non-nil
//  3. verify src mtime unchanged
//  4. preserve mtime and permissions, rename tmp → dst
//
// ctx is checked between chunks. It returns the number of bytes copied.
func SafeCopy(ctx context.Context, srcFs afero.Fs, src string, dstFs afero.Fs, dst string, sum hash.Hash) (int64, error) {
	srcInfo, err := srcFs.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat src: %w", err)
	}
	if exists, err := afero.Exists(dstFs, dst); err != nil {
		return 0, fmt.Errorf("stat dst: %w", err)
	} else if exists {
		return 0, fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}

	if err := dstFs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("mkdir dst parent: %w", err)
	}

	srcFile, err := srcFs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpPath := safeTmpPath(dst)
	tmpFile, err := dstFs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return 0, fmt.Errorf("create tmp: %w", err)
	}

	var w io.Writer = tmpFile
	if sum != nil {
		w = io.MultiWriter(tmpFile, sum)
	}

	var (
		copied  int64
		copyErr error
	)
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			copyErr = err
			break
		}
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				copyErr = fmt.Errorf("write tmp: %w", writeErr)
				break
			}
			copied += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = fmt.Errorf("read src: %w", readErr)
			break
		}
	}

	if err := tmpFile.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close tmp: %w", err)
	}
	if copyErr != nil {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, copyErr
	}

	srcInfo2, err := srcFs.Stat(src)
	if err != nil {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("re-stat src: %w", err)
	}
	if !srcInfo2.ModTime().Equal(srcInfo.ModTime()) || srcInfo2.Size() != srcInfo.Size() {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, ErrSourceModified
	}

	if err := dstFs.Chtimes(tmpPath, time.Now(), srcInfo.ModTime()); err != nil {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("chtimes tmp: %w", err)
	}

	// Another writer may have claimed dst while we copied.
	if exists, _ := afero.Exists(dstFs, dst); exists {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}
	if err := dstFs.Rename(tmpPath, dst); err != nil {
		dstFs.Remove(tmpPath) //nolint:errcheck
		return 0, fmt.Errorf("rename tmp to dst: %w", err)
	}

	return copied, nil
}

// moveFile renames from → to on fsys, creating parents. It refuses to
// replace an existing destination.
func moveFile(fsys afero.Fs, from, to string) error {
	if exists, err := afero.Exists(fsys, to); err != nil {
		return fmt.Errorf("stat dst: %w", err)
	} else if exists {
		return fmt.Errorf("%w: %s", ErrDestinationExists, to)
	}
	if err := fsys.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return fmt.Errorf("mkdir dst parent: %w", err)
	}
	if err := fsys.Rename(from, to); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// liberatedName returns the attempt-th candidate name for name:
// "report.pdf" → "report 2.pdf", "report 3.pdf", ...
func liberatedName(name string, attempt int) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		// dotfile such as ".profile": suffix the whole name
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s %d%s", stem, attempt+1, ext)
}

// LiberateName finds a free name for name within its directory, trying at
// most maxLiberateAttempts numeric suffixes. taken reports whether a
// candidate is already claimed (on disk, in the index, or by the plan).
func LiberateName(name string, taken func(candidate string) (bool, error)) (string, error) {
	for attempt := 1; attempt <= maxLiberateAttempts; attempt++ {
		candidate := liberatedName(name, attempt)
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %s after %d attempts", ErrNotLiberated, name, maxLiberateAttempts)
}

// SoftDelete moves a file into trashRoot/YYYY-MM-DD/, keeping its relative
// layout. Returns the final trash path.
func SoftDelete(fsys afero.Fs, path, rel, trashRoot string) (string, error) {
	dateDir := filepath.Join(trashRoot, nowFunc().Format("2006-01-02"))
	trashPath := filepath.Join(dateDir, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if err := fsys.MkdirAll(filepath.Dir(trashPath), 0755); err != nil {
		return "", fmt.Errorf("mkdir trash: %w", err)
	}

	if exists, _ := afero.Exists(fsys, trashPath); exists {
		base := filepath.Base(trashPath)
		name, err := LiberateName(base, func(c string) (bool, error) {
			return afero.Exists(fsys, filepath.Join(filepath.Dir(trashPath), c))
		})
		if err != nil {
			return "", fmt.Errorf("trash name: %w", err)
		}
		trashPath = filepath.Join(filepath.Dir(trashPath), name)
	}

	if err := fsys.Rename(path, trashPath); err != nil {
		return "", fmt.Errorf("move to trash: %w", err)
	}
	return trashPath, nil
}
