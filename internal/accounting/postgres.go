package accounting

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// postgresSink writes each statistics event as a row, adapting
// internal/pushgw/pgstore/pgstore.go's connection-and-migration shape to
// the accounting domain. Record enqueues onto a bounded channel so a slow
// or down database never blocks the router's event handlers; a full queue
// drops the event with a log line rather than blocking.
type postgresSink struct {
	db     *sql.DB
	events chan map[string]any
	done   chan struct{}
	logger *slog.Logger
}

// NewPostgresSink opens a PostgreSQL connection, runs pending migrations,
// and starts the background writer goroutine.
func NewPostgresSink(dsn string, logger *slog.Logger) (Sink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &postgresSink{
		db:     db,
		events: make(chan map[string]any, 256),
		done:   make(chan struct{}),
		logger: logger.With("sink", "postgres"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running accounting migrations: %w", err)
	}

	go s.run()
	s.logger.Info("postgres accounting sink ready")
	return s, nil
}

func (s *postgresSink) Name() string { return "postgres" }

func (s *postgresSink) Record(stats map[string]any) {
	select {
	case s.events <- stats:
	default:
		s.logger.Error("accounting queue full, dropping statistics event", "call_id", stats["call_id"])
	}
}

func (s *postgresSink) Close() error {
	close(s.events)
	<-s.done
	return s.db.Close()
}

func (s *postgresSink) run() {
	defer close(s.done)
	for stats := range s.events {
		if err := s.insert(stats); err != nil {
			s.logger.Error("failed to insert accounting row", "call_id", stats["call_id"], "error", err)
		}
	}
}

func (s *postgresSink) insert(stats map[string]any) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshalling stats: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callID, _ := stats["call_id"].(string)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_stats (id, call_id, relay_addr, dialog_id, timed_out, all_streams_ice, start_time, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), callID,
		stringOrNil(stats["relay_addr"]), stringOrNil(stats["dialog_id"]),
		boolOrNil(stats["timed_out"]), boolOrNil(stats["all_streams_ice"]),
		floatOrNil(stats["start_time"]), raw,
	)
	return err
}

func (s *postgresSink) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Info("applied accounting migration", "version", version)
	}
	return nil
}

func stringOrNil(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return s
}

func boolOrNil(v any) any {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return b
}

func floatOrNil(v any) any {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return nil
	}
}
