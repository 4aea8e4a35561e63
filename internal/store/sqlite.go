//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"farmd/internal/job"
	"farmd/internal/proxy"
	logx "farmd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SavePool(ctx context.Context, st PoolState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.replaceRows(ctx, "pool_endpoints", "address", st.SavedAt, func(insert func(key string, payload []byte) error) error {
		for _, rec := range st.Endpoints {
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := insert(rec.Address, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadPool(ctx context.Context) (PoolState, error) {
	var st PoolState
	if s == nil || s.db == nil {
		return st, ErrDisabled
	}
	savedAt, rows, err := s.loadRows(ctx, "pool_endpoints")
	if err != nil {
		return st, err
	}
	st.SavedAt = savedAt
	for _, b := range rows {
		var rec proxy.EndpointRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			s.log.Warn("discarding unreadable endpoint row", logx.Err(err))
			continue
		}
		st.Endpoints = append(st.Endpoints, rec)
	}
	return st, nil
}

func (s *sqliteStore) SaveJobs(ctx context.Context, st JobState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.replaceRows(ctx, "jobs", "job_key", st.SavedAt, func(insert func(key string, payload []byte) error) error {
		for _, rec := range st.Jobs {
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := insert(rec.Account+"/"+rec.Site, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) LoadJobs(ctx context.Context) (JobState, error) {
	var st JobState
	if s == nil || s.db == nil {
		return st, ErrDisabled
	}
	savedAt, rows, err := s.loadRows(ctx, "jobs")
	if err != nil {
		return st, err
	}
	st.SavedAt = savedAt
	for _, b := range rows {
		var rec job.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			s.log.Warn("discarding unreadable job row", logx.Err(err))
			continue
		}
		st.Jobs = append(st.Jobs, rec)
	}
	return st, nil
}

// replaceRows swaps a table's contents in one transaction so a reader never
// observes a half-written snapshot.
func (s *sqliteStore) replaceRows(ctx context.Context, table, keyCol string, savedAt time.Time, fill func(insert func(key string, payload []byte) error) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO "+table+"("+keyCol+", payload) VALUES(?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	err = fill(func(key string, payload []byte) error {
		_, err := stmt.ExecContext(ctx, key, string(payload))
		return err
	})
	if err != nil {
		return err
	}

	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots(name, saved_at) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET saved_at=excluded.saved_at`,
		table, savedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) loadRows(ctx context.Context, table string) (time.Time, [][]byte, error) {
	var savedAt time.Time
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT saved_at FROM snapshots WHERE name = ?`, table).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return savedAt, nil, nil
	case err != nil:
		return savedAt, nil, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
		savedAt = t
	}

	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM "+table)
	if err != nil {
		return savedAt, nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return savedAt, nil, err
		}
		out = append(out, []byte(payload))
	}
	return savedAt, out, rows.Err()
}
