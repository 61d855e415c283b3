// Package pgstore is the PostgreSQL implementation of the game history, for
// deployments that share one database between several readers.
//
// It mirrors store.Store method for method. Idempotency is the same
// ON CONFLICT(id) DO NOTHING insert; timestamps are TIMESTAMPTZ and are
// returned in the configured location.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/crashwatch/internal/game"
)

//go:embed schema.sql
var schemaSQL string

const gameColumns = `id, hash, reported_outcome, calculated_outcome, verified, deviation,
	floor_value, prepare_time, begin_time, end_time, ingested_at`

// Store is a pgxpool-backed game history.
type Store struct {
	pool *pgxpool.Pool
	loc  *time.Location
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLocation sets the time zone timestamps are returned in (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithNow overrides the clock used to stamp ingested_at.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{pool: pool, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert inserts rec unless a row with the same ID exists. See store.Store.Upsert.
func (s *Store) Upsert(ctx context.Context, rec game.Record) (bool, error) {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO games
		(id, hash, reported_outcome, calculated_outcome, verified, deviation,
		 floor_value, prepare_time, begin_time, end_time, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Hash,
		rec.ReportedOutcome,
		rec.CalculatedOutcome,
		rec.Verified,
		rec.Deviation,
		rec.FloorValue,
		nullTime(rec.PrepareTime),
		nullTime(rec.BeginTime),
		nullTime(rec.EndTime),
		rec.IngestedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert game %d: %w", rec.ID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	stored, err := s.Get(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("upsert game %d: read existing: %w", rec.ID, err)
	}
	if !stored.SameContent(rec) {
		return false, &game.ConflictError{ID: rec.ID, Stored: stored, Incoming: rec}
	}
	return false, nil
}

// UpdateVerification rewrites the derived verification columns of a row.
func (s *Store) UpdateVerification(ctx context.Context, rec game.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE games
		SET calculated_outcome = $1, verified = $2, deviation = $3, floor_value = $4
		WHERE id = $5
	`, rec.CalculatedOutcome, rec.Verified, rec.Deviation, rec.FloorValue, rec.ID)
	if err != nil {
		return fmt.Errorf("update verification %d: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update verification %d: %w", rec.ID, game.ErrNotFound)
	}
	return nil
}

// Get returns the game with the given ID, or game.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (game.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id)
	rec, err := s.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.Record{}, game.ErrNotFound
	}
	if err != nil {
		return game.Record{}, fmt.Errorf("get game %d: %w", id, err)
	}
	return rec, nil
}

// List returns one page of games, newest first, plus the total row count.
func (s *Store) List(ctx context.Context, offset, limit int) ([]game.Record, int64, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+gameColumns+` FROM games ORDER BY id DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list games: %w", err)
	}
	recs, err := s.collect(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("list games: %w", err)
	}
	return recs, total, nil
}

// Count returns the number of stored games.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM games`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count games: %w", err)
	}
	return n, nil
}

// MaxID returns the greatest stored ID, or 0 when the table is empty.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM games`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// MinID returns the smallest stored ID, or 0 when the table is empty.
func (s *Store) MinID(ctx context.Context) (int64, error) {
	var id *int64
	if err := s.pool.QueryRow(ctx, `SELECT MIN(id) FROM games`).Scan(&id); err != nil {
		return 0, fmt.Errorf("min id: %w", err)
	}
	if id == nil {
		return 0, nil
	}
	return *id, nil
}

// CountAbove returns the number of stored games with an ID greater than id.
func (s *Store) CountAbove(ctx context.Context, id int64) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM games WHERE id > $1`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count above %d: %w", id, err)
	}
	return n, nil
}

// MissingIDs returns the IDs in [from, to] with no stored row, ascending.
func (s *Store) MissingIDs(ctx context.Context, from, to int64) ([]int64, error) {
	if to < from {
		return []int64{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT g.id FROM generate_series($1::bigint, $2::bigint) AS g(id)
		LEFT JOIN games ON games.id = g.id
		WHERE games.id IS NULL
		ORDER BY g.id ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("missing ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("missing ids: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// Range returns games with from <= id <= to, ascending.
func (s *Store) Range(ctx context.Context, from, to int64) ([]game.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+gameColumns+` FROM games WHERE id BETWEEN $1 AND $2 ORDER BY id ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("range games: %w", err)
	}
	recs, err := s.collect(rows)
	if err != nil {
		return nil, fmt.Errorf("range games: %w", err)
	}
	return recs, nil
}

// Latest returns up to limit of the newest games matching f, newest first.
func (s *Store) Latest(ctx context.Context, limit int, f game.Filter) ([]game.Record, error) {
	where, args := f.Where(func(n int) string { return fmt.Sprintf("$%d", n) }, 1)
	args = append(args, limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+gameColumns+` FROM games WHERE %s ORDER BY id DESC LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("latest games: %w", err)
	}
	recs, err := s.collect(rows)
	if err != nil {
		return nil, fmt.Errorf("latest games: %w", err)
	}
	return recs, nil
}

// Between returns games whose end time falls in [from, to), ascending by ID.
func (s *Store) Between(ctx context.Context, from, to time.Time) ([]game.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE end_time >= $1 AND end_time < $2
		ORDER BY id ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("games between: %w", err)
	}
	recs, err := s.collect(rows)
	if err != nil {
		return nil, fmt.Errorf("games between: %w", err)
	}
	return recs, nil
}

func (s *Store) scan(row pgx.Row) (game.Record, error) {
	var (
		rec                 game.Record
		prepare, begin, end *time.Time
		ingestedAt          time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.Hash,
		&rec.ReportedOutcome,
		&rec.CalculatedOutcome,
		&rec.Verified,
		&rec.Deviation,
		&rec.FloorValue,
		&prepare,
		&begin,
		&end,
		&ingestedAt,
	)
	if err != nil {
		return game.Record{}, err
	}
	rec.PrepareTime = deref(prepare, s.loc)
	rec.BeginTime = deref(begin, s.loc)
	rec.EndTime = deref(end, s.loc)
	rec.IngestedAt = ingestedAt.In(s.loc)
	return rec, nil
}

func (s *Store) collect(rows pgx.Rows) ([]game.Record, error) {
	defer rows.Close()

	recs := []game.Record{}
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time, loc *time.Location) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.In(loc)
}
