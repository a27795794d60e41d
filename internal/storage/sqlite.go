package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "cronwheel/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int

	inserts atomic.Uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
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
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, keep: cfg.keep()}, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, name, scheduled_at, started, queue_delay, duration, result, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.Name, toNanos(r.ScheduledAt), toNanos(r.Started),
		int64(r.QueueDelay), int64(r.Duration), r.Result, nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.inserts.Add(1)%pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			s.log.Debug("run prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM runs) - ?`, s.keep)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.keep
	}
	q := `SELECT id, name, scheduled_at, started, queue_delay, duration, result, err FROM runs`
	args := []any{}
	if name != "" {
		q += ` WHERE name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r               RunRecord
			sched, started  int64
			queueDelay, dur int64
			errText         sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &sched, &started, &queueDelay, &dur, &r.Result, &errText); err != nil {
			return nil, err
		}
		r.ScheduledAt = fromNanos(sched)
		r.Started = fromNanos(started)
		r.QueueDelay = time.Duration(queueDelay)
		r.Duration = time.Duration(dur)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
