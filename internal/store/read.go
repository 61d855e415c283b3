package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/crashwatch/internal/game"
)

const gameColumns = `id, hash, reported_outcome, calculated_outcome, verified, deviation,
	floor_value, prepare_time, begin_time, end_time, ingested_at`

// Get returns the game with the given ID, or game.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (game.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = ?`, id)
	rec, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gameColumns+` FROM games
		ORDER BY id DESC
		LIMIT ? OFFSET ?
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count games: %w", err)
	}
	return n, nil
}

// MaxID returns the greatest stored ID, or 0 when the table is empty.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM games`).Scan(&id); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	return id.Int64, nil
}

// MinID returns the smallest stored ID, or 0 when the table is empty.
func (s *Store) MinID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(id) FROM games`).Scan(&id); err != nil {
		return 0, fmt.Errorf("min id: %w", err)
	}
	return id.Int64, nil
}

// CountAbove returns the number of stored games with an ID greater than id.
func (s *Store) CountAbove(ctx context.Context, id int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games WHERE id > ?`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("count above %d: %w", id, err)
	}
	return n, nil
}

// MissingIDs returns the IDs in [from, to] with no stored row, ascending.
func (s *Store) MissingIDs(ctx context.Context, from, to int64) ([]int64, error) {
	if to < from {
		return []int64{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM games WHERE id BETWEEN ? AND ? ORDER BY id ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("missing ids: %w", err)
	}
	defer rows.Close()

	present := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("missing ids: scan: %w", err)
		}
		present = append(present, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("missing ids: %w", err)
	}
	return game.Missing(from, to, present), nil
}

// Range returns games with from <= id <= to, ascending.
func (s *Store) Range(ctx context.Context, from, to int64) ([]game.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE id BETWEEN ? AND ?
		ORDER BY id ASC
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
	where, args := f.Where(func(int) string { return "?" }, 1)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE `+where+`
		ORDER BY id DESC
		LIMIT ?
	`, args...)
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gameColumns+` FROM games
		WHERE end_time >= ? AND end_time < ?
		ORDER BY id ASC
	`, toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("games between: %w", err)
	}
	recs, err := s.collect(rows)
	if err != nil {
		return nil, fmt.Errorf("games between: %w", err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (game.Record, error) {
	var (
		rec                               game.Record
		verified                          int
		prepare, begin, end, ingestedAtMs int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.Hash,
		&rec.ReportedOutcome,
		&rec.CalculatedOutcome,
		&verified,
		&rec.Deviation,
		&rec.FloorValue,
		&prepare,
		&begin,
		&end,
		&ingestedAtMs,
	)
	if err != nil {
		return game.Record{}, err
	}
	rec.Verified = verified == 1
	rec.PrepareTime = fromMillis(prepare, s.loc)
	rec.BeginTime = fromMillis(begin, s.loc)
	rec.EndTime = fromMillis(end, s.loc)
	rec.IngestedAt = fromMillis(ingestedAtMs, s.loc)
	return rec, nil
}

// collect drains rows. Returns an empty slice, never nil.
func (s *Store) collect(rows *sql.Rows) ([]game.Record, error) {
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

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64, loc *time.Location) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).In(loc)
}
