// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/link-tracker/internal/tracker"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements the link, run and capture stores on Postgres.
type Store struct {
	db DB
}

var (
	_ tracker.LinkStore    = (*Store)(nil)
	_ tracker.RunStore     = (*Store)(nil)
	_ tracker.CaptureStore = (*Store)(nil)
)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewStoreWithDB wraps an existing pool.
func NewStoreWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const linkColumns = `l.id, l.url, l.hashed_url, l.timing, l.is_active, l.params,
	d.id, d.domain, d.include_params, d.is_active`

const activeLinks = `SELECT ` + linkColumns + `
FROM links l
JOIN domains d ON d.id = l.domain_id
WHERE l.timing = $1 AND l.is_active AND d.is_active`

func scanLink(row pgx.Row) (tracker.Link, error) {
	var (
		link   tracker.Link
		timing string
	)
	err := row.Scan(
		&link.ID, &link.URL, &link.Hash, &timing, &link.Active, &link.Params,
		&link.Domain.ID, &link.Domain.Name, &link.Domain.IncludeParams, &link.Domain.Active,
	)
	link.Timing = tracker.Timing(timing)
	return link, err
}

func (s *Store) queryLinks(ctx context.Context, query string, args ...any) ([]tracker.Link, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()
	var out []tracker.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

// FindActiveLinks returns active links of timing whose domain is active.
func (s *Store) FindActiveLinks(ctx context.Context, timing tracker.Timing) ([]tracker.Link, error) {
	return s.queryLinks(ctx, activeLinks+` ORDER BY l.id`, string(timing))
}

// FindLinkByHash returns the active link of timing with the given hash.
func (s *Store) FindLinkByHash(ctx context.Context, timing tracker.Timing, hash string) (tracker.Link, error) {
	link, err := scanLink(s.db.QueryRow(ctx, activeLinks+` AND l.hashed_url = $2 LIMIT 1`, string(timing), hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Link{}, fmt.Errorf("%w: %s %s", tracker.ErrLinkNotFound, timing, hash)
	}
	if err != nil {
		return tracker.Link{}, fmt.Errorf("find link by hash: %w", err)
	}
	return link, nil
}

// FindLinksStaleSince returns active links with no capture after cutoff.
func (s *Store) FindLinksStaleSince(
	ctx context.Context,
	timing tracker.Timing,
	cutoff time.Time,
) ([]tracker.Link, error) {
	query := activeLinks + `
	AND NOT EXISTS (
		SELECT 1 FROM link_data ld
		WHERE ld.hashed_url = l.hashed_url AND ld.created_at > $2
	)
ORDER BY l.id`
	return s.queryLinks(ctx, query, string(timing), cutoff)
}

// CreateRun inserts a cron_history row.
func (s *Store) CreateRun(ctx context.Context, run tracker.Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	links, err := json.Marshal(run.Links)
	if err != nil {
		return "", fmt.Errorf("marshal run links: %w", err)
	}
	data, err := json.Marshal(run.Summary)
	if err != nil {
		return "", fmt.Errorf("marshal run data: %w", err)
	}
	var id string
	err = s.db.QueryRow(ctx, `
INSERT INTO cron_history (id, links, status, start_time, data)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		run.ID, links, string(run.Status), run.StartTime, data,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// UpdateRun finalizes a PENDING run. It reports false when the run was
// already terminal and ErrRunNotFound when it does not exist.
func (s *Store) UpdateRun(
	ctx context.Context,
	id string,
	status tracker.RunStatus,
	endTime time.Time,
	summary tracker.RunSummary,
	failureReason string,
) (bool, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("marshal run data: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE cron_history
SET status = $2, end_time = $3, data = $4, failure_reason = $5
WHERE id = $1 AND status = 'PENDING'`,
		id, string(status), endTime, data, failureReason,
	)
	if err != nil {
		return false, fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cron_history WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", tracker.ErrRunNotFound, id)
	}
	return false, nil
}

const runColumns = `id, links, status, start_time, end_time, data, failure_reason`

func scanRun(row pgx.Row) (tracker.Run, error) {
	var (
		run    tracker.Run
		links  []byte
		data   []byte
		status string
	)
	if err := row.Scan(&run.ID, &links, &status, &run.StartTime, &run.EndTime, &data, &run.FailureReason); err != nil {
		return tracker.Run{}, err
	}
	run.Status = tracker.RunStatus(status)
	if len(links) > 0 {
		if err := json.Unmarshal(links, &run.Links); err != nil {
			return tracker.Run{}, fmt.Errorf("decode run links: %w", err)
		}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &run.Summary); err != nil {
			return tracker.Run{}, fmt.Errorf("decode run data: %w", err)
		}
	}
	return run, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (tracker.Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM cron_history WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Run{}, fmt.Errorf("%w: %s", tracker.ErrRunNotFound, id)
	}
	if err != nil {
		return tracker.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]tracker.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM cron_history ORDER BY start_time DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []tracker.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// CreateCapture inserts a link_data row.
func (s *Store) CreateCapture(ctx context.Context, capture tracker.Capture) error {
	if capture.ID == "" {
		capture.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(capture.Metadata)
	if err != nil {
		return fmt.Errorf("marshal capture metadata: %w", err)
	}
	images, err := json.Marshal(capture.Images)
	if err != nil {
		return fmt.Errorf("marshal capture images: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO link_data (
	id, hashed_url, timing, status,
	html_object_key, screenshot_key, thumbnail_key,
	metadata, images, title, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		capture.ID, capture.Hash, string(capture.Timing), string(capture.Status),
		capture.Keys.HTML, capture.Keys.Screenshot, capture.Keys.Thumbnail,
		metadata, images, capture.Title, capture.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return nil
}

// LatestCaptures returns up to limit captures for hash, newest first.
func (s *Store) LatestCaptures(ctx context.Context, hash string, limit int) ([]tracker.Capture, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
SELECT id, hashed_url, timing, status, html_object_key, screenshot_key, thumbnail_key,
	metadata, images, title, created_at
FROM link_data
WHERE hashed_url = $1
ORDER BY created_at DESC
LIMIT $2`, hash, limit)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()
	var out []tracker.Capture
	for rows.Next() {
		var (
			c              tracker.Capture
			timing, status string
			metadata       []byte
			images         []byte
		)
		if err := rows.Scan(
			&c.ID, &c.Hash, &timing, &status, &c.Keys.HTML, &c.Keys.Screenshot, &c.Keys.Thumbnail,
			&metadata, &images, &c.Title, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		c.Timing = tracker.Timing(timing)
		c.Status = tracker.CaptureStatus(status)
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode capture metadata: %w", err)
		}
		if err := json.Unmarshal(images, &c.Images); err != nil {
			return nil, fmt.Errorf("decode capture images: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate captures: %w", err)
	}
	return out, nil
}
