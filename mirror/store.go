package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultPageSize = 500

// Index is the persisted catalog of one directory tree.
// All entries live in one table keyed by the tree's mountpath.
type Index struct {
	db        *sql.DB
	mountpath string
	table     string
	algo      string
	pageSize  int
}

// OpenIndex returns the index for mountpath, creating its table on first use.
// algo names the digest algorithm; reopening an index with a different
// algorithm fails with ErrAlgorithmMismatch.
func OpenIndex(db *sql.DB, mountpath, algo string) (*Index, error) {
	l := sub("store")
	mountpath = filepath.Clean(mountpath)

	var table, storedAlgo string
	err := db.QueryRow(`SELECT table_name, digest FROM mounts WHERE mountpath = ?`, mountpath).Scan(&table, &storedAlgo)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		table = tableFor(mountpath)
		storedAlgo = algo
		_, err = db.Exec(`INSERT INTO mounts (mountpath, table_name, digest, created_at) VALUES (?, ?, ?, ?)`,
			mountpath, table, algo, nowFunc().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("register mount %s: %w", mountpath, err)
		}
		l.Info("index registered", "mountpath", mountpath, "table", table, "digest", algo)
	case err != nil:
		return nil, fmt.Errorf("lookup mount %s: %w", mountpath, err)
	}

	if storedAlgo != algo {
		return nil, fmt.Errorf("%w: %s is indexed with %s, not %s", ErrAlgorithmMismatch, mountpath, storedAlgo, algo)
	}

	if _, err := db.Exec(fmt.Sprintf(entriesSchema, table)); err != nil {
		return nil, fmt.Errorf("create entries table: %w", err)
	}

	return &Index{db: db, mountpath: mountpath, table: table, algo: algo, pageSize: defaultPageSize}, nil
}

// Mountpath returns the filesystem root the index is scoped to.
func (x *Index) Mountpath() string { return x.mountpath }

// Algorithm returns the digest algorithm of the index.
func (x *Index) Algorithm() string { return x.algo }

// SetPageSize bounds how many rows ScanAll holds in memory at once.
func (x *Index) SetPageSize(n int) {
	if n > 0 {
		x.pageSize = n
	}
}

const entryColumns = `id, name, parent_path, digest, size, mtime`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e     Entry
		size  sql.NullInt64
		mtime sql.NullString
	)
	if err := r.Scan(&e.ID, &e.Name, &e.ParentPath, &e.Digest, &size, &mtime); err != nil {
		return Entry{}, err
	}
	e.Size = size.Int64
	if mtime.Valid && mtime.String != "" {
		t, err := time.Parse(time.RFC3339Nano, mtime.String)
		if err != nil {
			return Entry{}, fmt.Errorf("parse mtime %q: %w", mtime.String, err)
		}
		e.ModTime = t
	}
	return e, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (x *Index) queryEntries(q string, args ...any) ([]Entry, error) {
	rows, err := x.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get retrieves an entry by id. Returns (nil, nil) when absent.
func (x *Index) Get(id int64) (*Entry, error) {
	e, err := scanEntry(x.db.QueryRow(`SELECT `+entryColumns+` FROM `+x.table+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

// FindByLocation retrieves the entry at (name, parentPath). Returns (nil, nil)
// when the location is free.
func (x *Index) FindByLocation(name, parentPath string) (*Entry, error) {
	e, err := scanEntry(x.db.QueryRow(`SELECT `+entryColumns+` FROM `+x.table+` WHERE name = ? AND parent_path = ?`,
		name, parentPath))
	if errors.Is(err, sql.ErrNoRows) {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("FindByLocation", "name", name, "parent", parentPath, "found", false)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by location: %w", err)
	}
	return &e, nil
}

// FindByRel is FindByLocation for a rooted relative path.
func (x *Index) FindByRel(rel string) (*Entry, error) {
	name, parent := SplitRel(rel)
	return x.FindByLocation(name, parent)
}

// FindByDigest returns every entry holding digest d, in id order.
func (x *Index) FindByDigest(d Digest) ([]Entry, error) {
	entries, err := x.queryEntries(`SELECT `+entryColumns+` FROM `+x.table+` WHERE digest = ? ORDER BY id`, d)
	if err != nil {
		return nil, fmt.Errorf("find by digest: %w", err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("FindByDigest", "digest", d, "count", len(entries))
	}
	return entries, nil
}

// CountByDigest returns how many entries hold digest d.
func (x *Index) CountByDigest(d Digest) (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM `+x.table+` WHERE digest = ?`, d).Scan(&n); err != nil {
		return 0, fmt.Errorf("count by digest: %w", err)
	}
	return n, nil
}

// Insert adds e and returns it with its assigned id. It fails with
// ErrDuplicateLocation when the location is already indexed.
func (x *Index) Insert(e Entry) (Entry, error) {
	l := sub("store")
	if e.ParentPath == "" {
		e.ParentPath = RootPath
	}
	if e.Digest.IsZero() {
		return Entry{}, fmt.Errorf("insert %s: digest not set", e.RelPath())
	}

	tx, err := x.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int64
	err = tx.QueryRow(`SELECT id FROM `+x.table+` WHERE name = ? AND parent_path = ?`, e.Name, e.ParentPath).Scan(&existing)
	if err == nil {
		return Entry{}, fmt.Errorf("%w: %s (id %d)", ErrDuplicateLocation, e.RelPath(), existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("check location: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO `+x.table+` (name, parent_path, digest, size, mtime) VALUES (?, ?, ?, ?, ?)`,
		e.Name, e.ParentPath, e.Digest, e.Size, formatTime(e.ModTime))
	if err != nil {
		if isUniqueViolation(err) {
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateLocation, e.RelPath())
		}
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit insert: %w", err)
	}

	e.ID = id
	l.Debug("Insert", "id", id, "path", e.RelPath(), "digest", e.Digest)
	return e, nil
}

// UpdateLocation moves the record id to (name, parentPath).
func (x *Index) UpdateLocation(id int64, name, parentPath string) error {
	sub("store").Debug("UpdateLocation", "id", id, "name", name, "parent", parentPath)
	res, err := x.db.Exec(`UPDATE `+x.table+` SET name = ?, parent_path = ? WHERE id = ?`, name, parentPath, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateLocation, parentPath, name)
		}
		return fmt.Errorf("update location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// UpdateContent records new content for an entry whose file changed in place.
func (x *Index) UpdateContent(id int64, d Digest, size int64, mtime time.Time) error {
	sub("store").Debug("UpdateContent", "id", id, "digest", d, "size", size)
	res, err := x.db.Exec(`UPDATE `+x.table+` SET digest = ?, size = ?, mtime = ? WHERE id = ?`, d, size, formatTime(mtime), id)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Delete removes the record id. Deleting an absent id is not an error.
func (x *Index) Delete(id int64) error {
	sub("store").Debug("Delete", "id", id)
	if _, err := x.db.Exec(`DELETE FROM `+x.table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// ScanAll yields every entry in id order, one bounded page at a time.
// The sequence is restartable; each page is fully read before it is yielded,
// so callers may query the index from inside the loop. Collect ids before
// deleting rather than deleting mid-scan.
func (x *Index) ScanAll() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var last int64
		for {
			page, err := x.queryEntries(`SELECT `+entryColumns+` FROM `+x.table+` WHERE id > ? ORDER BY id LIMIT ?`, last, x.pageSize)
			if err != nil {
				yield(Entry{}, fmt.Errorf("scan page after id %d: %w", last, err))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < x.pageSize {
				return
			}
			last = page[len(page)-1].ID
		}
	}
}

// RepeatedDigests returns every digest held by more than one entry.
func (x *Index) RepeatedDigests() ([]Digest, error) {
	rows, err := x.db.Query(`SELECT digest FROM ` + x.table + ` GROUP BY digest HAVING COUNT(*) > 1 ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("repeated digests: %w", err)
	}
	defer rows.Close()

	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountEntries returns the number of entries.
func (x *Index) CountEntries() (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM ` + x.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// CountUniqueDigests returns the number of distinct digests.
func (x *Index) CountUniqueDigests() (int, error) {
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(DISTINCT digest) FROM ` + x.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count digests: %w", err)
	}
	return n, nil
}

// Stats returns the aggregate counts reported before and after a run.
func (x *Index) Stats() (Stats, error) {
	var s Stats
	err := x.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT digest), COALESCE(SUM(size), 0) FROM `+x.table).
		Scan(&s.Entries, &s.UniqueDigests, &s.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}
	return s, nil
}
