// Package store persists the session table to a SQLite file across
// graceful shutdowns, following the "explicit, versioned schema" substitute
// for the pickled state file recommended in spec §9 DESIGN NOTES. The file
// is opened only at startup (read, then unlinked) and at shutdown (write),
// matching §5's "Shared resources" discipline — never held open while the
// dispatcher is running.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// Session is the on-disk shape of a router.Session, duplicated here so this
// package has no dependency on the router package (it is the router's
// dependency, not the other way around).
type Session struct {
	CallID     string
	RelayAddr  string
	DialogID   string // "" if absent
	ExpireTime *time.Time
}

// FileName is the session-table file, relative to the configured data dir.
const FileName = "dispatcher_state.db"

// Load opens the persisted state file, reads every session row, and then
// unlinks the file unconditionally — "so a crash before the next shutdown
// does not resurrect stale data" (spec §3). A missing or unreadable file is
// treated as "no prior state" (spec §7 persistence-error policy): an empty
// slice is returned, never a fatal error; a read failure is logged, a
// missing file is not.
func Load(ctx context.Context, dataDir string, logger *slog.Logger) []Session {
	path := filepath.Join(dataDir, FileName)

	defer removeWithSidecars(path, logger)

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	db, err := open(path)
	if err != nil {
		logger.Warn("failed to open persisted session state, starting empty", "error", err)
		return nil
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT call_id, relay_addr, dialog_id, expire_time FROM sessions`)
	if err != nil {
		logger.Warn("failed to read persisted session state, starting empty", "error", err)
		return nil
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var dialogID sql.NullString
		var expireUnix sql.NullInt64
		if err := rows.Scan(&s.CallID, &s.RelayAddr, &dialogID, &expireUnix); err != nil {
			logger.Warn("failed to scan persisted session row", "error", err)
			continue
		}
		s.DialogID = dialogID.String
		if expireUnix.Valid {
			t := time.Unix(expireUnix.Int64, 0)
			s.ExpireTime = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		logger.Warn("error iterating persisted session rows", "error", err)
	}

	logger.Info("loaded persisted session state", "count", len(out))
	return out
}

// Save serialises the full session table at graceful shutdown. Save
// failures are logged but never block shutdown (spec §7).
func Save(ctx context.Context, dataDir string, sessions []Session, logger *slog.Logger) {
	path := filepath.Join(dataDir, FileName)

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		logger.Error("failed to create data directory for session state", "error", err)
		return
	}

	db, err := open(path)
	if err != nil {
		logger.Error("failed to open session state file for save", "error", err)
		return
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin session state save transaction", "error", err)
		return
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		tx.Rollback()
		logger.Error("failed to clear session state table", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions (call_id, relay_addr, dialog_id, expire_time) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		logger.Error("failed to prepare session state insert", "error", err)
		return
	}
	defer stmt.Close()

	for _, s := range sessions {
		var dialogID sql.NullString
		if s.DialogID != "" {
			dialogID = sql.NullString{String: s.DialogID, Valid: true}
		}
		var expireUnix sql.NullInt64
		if s.ExpireTime != nil {
			expireUnix = sql.NullInt64{Int64: s.ExpireTime.Unix(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, s.CallID, s.RelayAddr, dialogID, expireUnix); err != nil {
			tx.Rollback()
			logger.Error("failed to insert session row", "call_id", s.CallID, "error", err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit session state save", "error", err)
		return
	}

	logger.Info("persisted session state", "count", len(sessions))
}

func open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite state file: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite state file: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading embedded schema: %w", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

func removeWithSidecars(path string, logger *slog.Logger) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			logger.Debug("failed to remove session state file", "path", path+suffix, "error", err)
		}
	}
}
