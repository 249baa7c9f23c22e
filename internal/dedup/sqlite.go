package dedup

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"alertbot/internal/market"
	"alertbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore persists dedup records across restarts. SQLite prefers a
// single writer, so the pool is pinned to one connection.
type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("dedup: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}
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

func (s *sqliteStore) FilterNew(ctx context.Context, scope string, category market.Category, fingerprints []string) ([]string, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()

	args := make([]any, 0, len(fingerprints)+3)
	args = append(args, scope, string(category), cutoff)
	ph := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		ph[i] = "?"
		args = append(args, fp)
	}

	q := fmt.Sprintf(
		`SELECT fingerprint FROM delivered
		 WHERE scope = ? AND category = ? AND delivered_at >= ? AND fingerprint IN (%s)`,
		strings.Join(ph, ","),
	)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dedup sqlite lookup: %w", err)
	}
	defer rows.Close()

	suppressed := map[string]bool{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		suppressed[fp] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fresh := make([]string, 0, len(fingerprints))
	for _, fp := range fingerprints {
		if !suppressed[fp] {
			fresh = append(fresh, fp)
		}
	}
	s.maybePrune(ctx)
	return fresh, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, scope string, category market.Category, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO delivered (scope, category, fingerprint, delivered_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, fp := range fingerprints {
		if _, err := stmt.ExecContext(ctx, scope, string(category), fp, now); err != nil {
			return fmt.Errorf("dedup sqlite mark: %w", err)
		}
	}
	return tx.Commit()
}

// maybePrune removes expired rows every pruneEvery operations; losing a
// prune cycle is harmless since lookups filter by cutoff anyway.
func (s *sqliteStore) maybePrune(ctx context.Context) {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivered WHERE delivered_at < ?`, cutoff)
	if err != nil {
		s.log.Warn("dedup prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("dedup records pruned", logx.Int64("removed", n))
	}
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
