package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/docscope/internal/item"
)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Replace overwrites scope's listing in one transaction. User dates already
// stored are kept for paths whose entry carries none.
func (db *DB) Replace(scope string, entries []item.ScanEntry) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	kept, err := userDates(tx, scope)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM items WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("catalog: clear scope: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO items (scope, path, is_folder, is_dir, file_mod, user_mod)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, path) DO UPDATE SET
			is_folder = excluded.is_folder,
			is_dir    = excluded.is_dir,
			file_mod  = excluded.file_mod,
			user_mod  = excluded.user_mod
	`)
	if err != nil {
		return fmt.Errorf("catalog: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		user := e.UserModTime
		if user.IsZero() {
			user = kept[e.RelativePath]
		}
		if _, err := stmt.Exec(scope, e.RelativePath, e.IsFolder, e.IsDirectory,
			toNanos(e.FileModTime), toNanos(user)); err != nil {
			return fmt.Errorf("catalog: insert %s: %w", e.RelativePath, err)
		}
	}
	return tx.Commit()
}

// Load returns scope's stored listing ordered by path.
func (db *DB) Load(scope string) ([]item.ScanEntry, error) {
	rows, err := db.conn.Query(`
		SELECT path, is_folder, is_dir, file_mod, user_mod
		FROM items WHERE scope = ? ORDER BY path`, scope)
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	defer rows.Close()

	var out []item.ScanEntry
	for rows.Next() {
		var (
			e                item.ScanEntry
			fileMod, userMod int64
		)
		if err := rows.Scan(&e.RelativePath, &e.IsFolder, &e.IsDirectory, &fileMod, &userMod); err != nil {
			return nil, err
		}
		e.FileModTime = fromNanos(fileMod)
		e.UserModTime = fromNanos(userMod)
		e.IsDownloaded = true
		out = append(out, e)
	}
	return out, rows.Err()
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func userDates(q querier, scope string) (map[string]time.Time, error) {
	rows, err := q.Query(`SELECT path, user_mod FROM items WHERE scope = ? AND user_mod != 0`, scope)
	if err != nil {
		return nil, fmt.Errorf("catalog: user dates: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			p string
			n int64
		)
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[p] = fromNanos(n)
	}
	return out, rows.Err()
}

// UserDates returns every stored user modification date of scope.
func (db *DB) UserDates(scope string) (map[string]time.Time, error) {
	return userDates(db.conn, scope)
}

// SetUserModified records t as path's user modification date, inserting a
// row when path has not been cataloged yet.
func (db *DB) SetUserModified(scope, path string, t time.Time) error {
	_, err := db.conn.Exec(`
		INSERT INTO items (scope, path, user_mod) VALUES (?, ?, ?)
		ON CONFLICT(scope, path) DO UPDATE SET user_mod = excluded.user_mod
	`, scope, path, toNanos(t))
	if err != nil {
		return fmt.Errorf("catalog: set user modified: %w", err)
	}
	return nil
}

// Rename rewrites from, and every path below it, to to.
func (db *DB) Rename(scope, from, to string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, _ = tx.Exec(`DELETE FROM items WHERE scope = ? AND (path = ? OR substr(path, 1, ?) = ?)`,
		scope, to, len(to)+1, to+"/")
	if _, err := tx.Exec(`
		UPDATE items SET path = ? || substr(path, ?)
		WHERE scope = ? AND (path = ? OR substr(path, 1, ?) = ?)
	`, to, len(from)+1, scope, from, len(from)+1, from+"/"); err != nil {
		return fmt.Errorf("catalog: rename %s: %w", from, err)
	}
	return tx.Commit()
}

// Forget removes every row of scope.
func (db *DB) Forget(scope string) error {
	if _, err := db.conn.Exec(`DELETE FROM items WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("catalog: forget %s: %w", scope, err)
	}
	return nil
}
