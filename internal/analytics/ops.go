package analytics

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/roach88/crashwatch/internal/cache"
	"github.com/roach88/crashwatch/internal/game"
)

// Operation names.
const (
	OpLastGames          = "last_games"
	OpLastMatch          = "last_match"
	OpLastMatchBatch     = "last_match_batch"
	OpOccurrencesByGames = "occurrences_by_games"
	OpOccurrencesByTime  = "occurrences_by_time"
	OpIntervalsByTime    = "intervals_by_time"
	OpIntervalsByGames   = "intervals_by_games"
	OpSeriesWithoutMin   = "series_without_min"
	OpDistribution       = "distribution"
	OpOccurrencesBatch   = "occurrences_batch"
	OpIntervalsBatch     = "intervals_batch"
)

// Limits on caller-supplied sizes.
const (
	MaxLimit       = 10000
	MaxHours       = 24 * 31
	MaxBatchValues = 100

	// maxStreakExtension bounds how far series_without_min reaches back past
	// the window to complete a streak that straddles it.
	maxStreakExtension = 500
)

// Source is the read side of the game store used by the operations.
type Source interface {
	Latest(ctx context.Context, limit int, f game.Filter) ([]game.Record, error)
	Between(ctx context.Context, from, to time.Time) ([]game.Record, error)
	Range(ctx context.Context, from, to int64) ([]game.Record, error)
	CountAbove(ctx context.Context, id int64) (int64, error)
}

// Operation is a registered analytics query.
type Operation struct {
	Name string
	Tier cache.Tier

	// prepare validates params and returns the normalized cache key params
	// plus the computation they select.
	prepare func(p Params) (map[string]any, runFunc, error)
}

type runFunc func(ctx context.Context, src Source, now time.Time) (any, error)

func operations() []Operation {
	return []Operation{
		{Name: OpLastGames, Tier: cache.TierShort, prepare: prepareLastGames},
		{Name: OpLastMatch, Tier: cache.TierShort, prepare: prepareLastMatch},
		{Name: OpLastMatchBatch, Tier: cache.TierShort, prepare: prepareLastMatchBatch},
		{Name: OpOccurrencesByGames, Tier: cache.TierShort, prepare: prepareOccurrencesByGames},
		{Name: OpOccurrencesByTime, Tier: cache.TierShort, prepare: prepareOccurrencesByTime},
		{Name: OpIntervalsByTime, Tier: cache.TierLong, prepare: prepareIntervalsByTime},
		{Name: OpIntervalsByGames, Tier: cache.TierLong, prepare: prepareIntervalsByGames},
		{Name: OpSeriesWithoutMin, Tier: cache.TierLong, prepare: prepareSeriesWithoutMin},
		{Name: OpDistribution, Tier: cache.TierLong, prepare: prepareDistribution},
		{Name: OpOccurrencesBatch, Tier: cache.TierShort, prepare: prepareOccurrencesBatch},
		{Name: OpIntervalsBatch, Tier: cache.TierLong, prepare: prepareIntervalsBatch},
	}
}

// LastGames is the result of last_games.
type LastGames struct {
	Criterion Criterion     `json:"criterion"`
	Count     int           `json:"count"`
	Games     []game.Record `json:"games"`
}

func prepareLastGames(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	limit, err := p.int("limit", 10, 1, MaxLimit)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value, "limit": limit}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		recs, err := src.Latest(ctx, limit, c.Filter())
		if err != nil {
			return nil, err
		}
		return LastGames{Criterion: c, Count: len(recs), Games: recs}, nil
	}, nil
}

// Match is the newest game meeting a criterion.
type Match struct {
	Criterion Criterion    `json:"criterion"`
	Found     bool         `json:"found"`
	Game      *game.Record `json:"game"`

	// GamesSince counts stored games newer than Game.
	GamesSince int64 `json:"gamesSince"`
}

func lastMatch(ctx context.Context, src Source, c Criterion) (Match, error) {
	m := Match{Criterion: c}
	recs, err := src.Latest(ctx, 1, c.Filter())
	if err != nil {
		return m, err
	}
	if len(recs) == 0 {
		return m, nil
	}
	since, err := src.CountAbove(ctx, recs[0].ID)
	if err != nil {
		return m, err
	}
	m.Found = true
	m.Game = &recs[0]
	m.GamesSince = since
	return m, nil
}

func prepareLastMatch(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		return lastMatch(ctx, src, c)
	}, nil
}

// MatchBatch is the result of last_match_batch, one entry per requested
// value in request order.
type MatchBatch struct {
	Kind    string  `json:"kind"`
	Matches []Match `json:"matches"`
}

func prepareLastMatchBatch(p Params) (map[string]any, runFunc, error) {
	kind, values, err := p.criteria()
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": kind, "values": values}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		out := MatchBatch{Kind: kind, Matches: make([]Match, 0, len(values))}
		for _, v := range values {
			m, err := lastMatch(ctx, src, Criterion{Kind: kind, Value: v})
			if err != nil {
				return nil, err
			}
			out.Matches = append(out.Matches, m)
		}
		return out, nil
	}, nil
}

// Occurrences counts games meeting a criterion within a window.
type Occurrences struct {
	Criterion     Criterion `json:"criterion"`
	Count         int       `json:"count"`
	TotalGames    int       `json:"totalGames"`
	Percentage    float64   `json:"percentage"`
	FirstGameTime time.Time `json:"firstGameTime,omitzero"`
	LastGameTime  time.Time `json:"lastGameTime,omitzero"`
}

func occurrences(c Criterion, recs []game.Record) Occurrences {
	o := Occurrences{Criterion: c, TotalGames: len(recs)}
	for _, rec := range recs {
		if c.Match(rec) {
			o.Count++
		}
		if o.FirstGameTime.IsZero() || rec.EndTime.Before(o.FirstGameTime) {
			o.FirstGameTime = rec.EndTime
		}
		if rec.EndTime.After(o.LastGameTime) {
			o.LastGameTime = rec.EndTime
		}
	}
	o.Percentage = percent(o.Count, o.TotalGames)
	return o
}

func prepareOccurrencesByGames(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	limit, err := p.int("limit", 100, 1, MaxLimit)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value, "limit": limit}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		recs, err := src.Latest(ctx, limit, game.Filter{})
		if err != nil {
			return nil, err
		}
		return occurrences(c, recs), nil
	}, nil
}

func prepareOccurrencesByTime(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	hours, err := p.int("hours", 1, 1, MaxHours)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value, "hours": hours}
	return key, func(ctx context.Context, src Source, now time.Time) (any, error) {
		recs, err := src.Between(ctx, now.Add(-time.Duration(hours)*time.Hour), now)
		if err != nil {
			return nil, err
		}
		return occurrences(c, recs), nil
	}, nil
}

// Interval is one bucket of an interval analysis.
type Interval struct {
	Start      time.Time `json:"start,omitzero"`
	End        time.Time `json:"end,omitzero"`
	FirstID    int64     `json:"firstGameId,omitempty"`
	LastID     int64     `json:"lastGameId,omitempty"`
	Count      int       `json:"count"`
	TotalGames int       `json:"totalGames"`
	Percentage float64   `json:"percentage"`
}

// Intervals is the result of intervals_by_time and intervals_by_games.
type Intervals struct {
	Criterion Criterion  `json:"criterion"`
	Intervals []Interval `json:"intervals"`
}

func prepareIntervalsByTime(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	minutes, err := p.int("interval_minutes", 10, 1, 24*60)
	if err != nil {
		return nil, nil, err
	}
	hours, err := p.int("hours", 24, 1, MaxHours)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value, "interval_minutes": minutes, "hours": hours}
	return key, func(ctx context.Context, src Source, now time.Time) (any, error) {
		grid := newTimeGrid(time.Duration(minutes)*time.Minute, time.Duration(hours)*time.Hour, now)
		recs, err := grid.fetch(ctx, src, now)
		if err != nil {
			return nil, err
		}
		return grid.intervals(c, recs), nil
	}, nil
}

// timeGrid lays out step-wide buckets aligned to step, from start through
// the one beginning at last, which contains now.
type timeGrid struct {
	step        time.Duration
	start, last time.Time
}

func newTimeGrid(step, window time.Duration, now time.Time) timeGrid {
	last := now.Truncate(step)
	return timeGrid{step: step, start: last.Add(-window), last: last}
}

func (g timeGrid) fetch(ctx context.Context, src Source, now time.Time) ([]game.Record, error) {
	return src.Between(ctx, g.start, now.Add(time.Millisecond))
}

// intervals counts recs, ascending, per bucket. Empty buckets are omitted.
func (g timeGrid) intervals(c Criterion, recs []game.Record) Intervals {
	out := Intervals{Criterion: c, Intervals: []Interval{}}
	i := 0
	for lo := g.start; !lo.After(g.last); lo = lo.Add(g.step) {
		hi := lo.Add(g.step)
		iv := Interval{Start: lo, End: hi}
		for ; i < len(recs) && recs[i].EndTime.Before(hi); i++ {
			if recs[i].EndTime.Before(lo) {
				continue
			}
			iv.TotalGames++
			if c.Match(recs[i]) {
				iv.Count++
			}
		}
		if iv.TotalGames == 0 {
			continue
		}
		iv.Percentage = percent(iv.Count, iv.TotalGames)
		out.Intervals = append(out.Intervals, iv)
	}
	return out
}

func prepareIntervalsByGames(p Params) (map[string]any, runFunc, error) {
	c, err := p.criterion()
	if err != nil {
		return nil, nil, err
	}
	per, err := p.int("games_per_set", 10, 1, MaxLimit)
	if err != nil {
		return nil, nil, err
	}
	total, err := p.int("total_games", 1000, 1, MaxLimit)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": c.Kind, "value": c.Value, "games_per_set": per, "total_games": total}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		recs, err := latestAscending(ctx, src, total)
		if err != nil {
			return nil, err
		}
		return setIntervals(c, recs, per), nil
	}, nil
}

func latestAscending(ctx context.Context, src Source, limit int) ([]game.Record, error) {
	recs, err := src.Latest(ctx, limit, game.Filter{})
	if err != nil {
		return nil, err
	}
	slices.Reverse(recs)
	return recs, nil
}

// setIntervals splits recs, ascending, into consecutive sets of per games.
func setIntervals(c Criterion, recs []game.Record, per int) Intervals {
	out := Intervals{Criterion: c, Intervals: []Interval{}}
	for lo := 0; lo < len(recs); lo += per {
		set := recs[lo:min(lo+per, len(recs))]
		iv := Interval{
			Start:      set[0].EndTime,
			End:        set[len(set)-1].EndTime,
			FirstID:    set[0].ID,
			LastID:     set[len(set)-1].ID,
			TotalGames: len(set),
		}
		for _, rec := range set {
			if c.Match(rec) {
				iv.Count++
			}
		}
		iv.Percentage = percent(iv.Count, iv.TotalGames)
		out.Intervals = append(out.Intervals, iv)
	}
	return out
}

// Series is a run of games below a threshold plus the game that ended it.
type Series struct {
	StartID   int64     `json:"startGameId"`
	EndID     int64     `json:"endGameId"`
	StartTime time.Time `json:"startTime,omitzero"`
	EndTime   time.Time `json:"endTime,omitzero"`
	Length    int       `json:"length"`

	// Outcome is the outcome that ended the series; nil while the series
	// is still running.
	Outcome *float64 `json:"outcome"`
}

// SeriesResult is the result of series_without_min.
type SeriesResult struct {
	Value  float64  `json:"value"`
	Hours  int      `json:"hours,omitempty"`
	SortBy string   `json:"sortBy"`
	Count  int      `json:"count"`
	Series []Series `json:"series"`
}

// Sort orders for series_without_min.
const (
	SortByTime   = "time"
	SortByLength = "length"
)

func prepareSeriesWithoutMin(p Params) (map[string]any, runFunc, error) {
	value, err := p.requiredFloat("value")
	if err != nil {
		return nil, nil, err
	}
	if value < 1 {
		return nil, nil, game.NewValidationError("value", "must be at least 1, got %v", value)
	}
	sortBy, err := p.choice("sort_by", SortByTime, SortByTime, SortByLength)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"value": value, "sort_by": sortBy}

	// hours selects games by end time; otherwise the newest limit games.
	var fetch func(ctx context.Context, src Source, now time.Time) ([]game.Record, error)
	hours := 0
	if p.has("hours") {
		hours, err = p.int("hours", 24, 1, MaxHours)
		if err != nil {
			return nil, nil, err
		}
		key["hours"] = hours
		fetch = func(ctx context.Context, src Source, now time.Time) ([]game.Record, error) {
			return src.Between(ctx, now.Add(-time.Duration(hours)*time.Hour), now.Add(time.Millisecond))
		}
	} else {
		limit, err := p.int("limit", 1000, 1, MaxLimit)
		if err != nil {
			return nil, nil, err
		}
		key["limit"] = limit
		fetch = func(ctx context.Context, src Source, _ time.Time) ([]game.Record, error) {
			return latestAscending(ctx, src, limit)
		}
	}

	return key, func(ctx context.Context, src Source, now time.Time) (any, error) {
		recs, err := fetch(ctx, src, now)
		if err != nil {
			return nil, err
		}
		recs, err = extendStreak(ctx, src, recs, value)
		if err != nil {
			return nil, err
		}
		series := findSeries(recs, value)
		sortSeries(series, sortBy)
		return SeriesResult{Value: value, Hours: hours, SortBy: sortBy, Count: len(series), Series: series}, nil
	}, nil
}

// extendStreak prepends older games when the oldest game in recs sits inside
// a streak, so the streak is reported from its real start.
func extendStreak(ctx context.Context, src Source, recs []game.Record, value float64) ([]game.Record, error) {
	if len(recs) == 0 || recs[0].ReportedOutcome >= value || recs[0].ID <= 1 {
		return recs, nil
	}
	oldest := recs[0].ID
	older, err := src.Range(ctx, max(1, oldest-maxStreakExtension), oldest-1)
	if err != nil {
		return nil, fmt.Errorf("extend streak: %w", err)
	}
	cut := 0
	for i := len(older) - 1; i >= 0; i-- {
		if older[i].ReportedOutcome >= value {
			cut = i
			break
		}
	}
	return append(older[cut:], recs...), nil
}

// findSeries walks recs oldest first. A game at or above value ends the
// running series and counts toward it; one with no series before it forms a
// series of length 1.
func findSeries(recs []game.Record, value float64) []Series {
	out := []Series{}
	var cur *Series
	for _, rec := range recs {
		if cur == nil {
			cur = &Series{StartID: rec.ID, StartTime: rec.EndTime}
		}
		cur.EndID = rec.ID
		cur.EndTime = rec.EndTime
		cur.Length++
		if rec.ReportedOutcome >= value {
			outcome := rec.ReportedOutcome
			cur.Outcome = &outcome
			out = append(out, *cur)
			cur = nil
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func sortSeries(series []Series, sortBy string) {
	if sortBy == SortByLength {
		sort.SliceStable(series, func(i, j int) bool { return series[i].Length > series[j].Length })
		return
	}
	sort.SliceStable(series, func(i, j int) bool { return series[i].EndID > series[j].EndID })
}

// Bucket is one floor value in a distribution.
type Bucket struct {
	Floor      int64   `json:"floor"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Distribution is the result of distribution.
type Distribution struct {
	TotalGames int      `json:"totalGames"`
	Buckets    []Bucket `json:"buckets"`
}

func prepareDistribution(p Params) (map[string]any, runFunc, error) {
	limit, err := p.int("limit", 1000, 1, MaxLimit)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"limit": limit}
	return key, func(ctx context.Context, src Source, _ time.Time) (any, error) {
		recs, err := src.Latest(ctx, limit, game.Filter{})
		if err != nil {
			return nil, err
		}
		counts := map[int64]int{}
		for _, rec := range recs {
			counts[rec.FloorValue]++
		}
		out := Distribution{TotalGames: len(recs), Buckets: make([]Bucket, 0, len(counts))}
		for floor, n := range counts {
			out.Buckets = append(out.Buckets, Bucket{Floor: floor, Count: n, Percentage: percent(n, len(recs))})
		}
		sort.Slice(out.Buckets, func(i, j int) bool { return out.Buckets[i].Floor < out.Buckets[j].Floor })
		return out, nil
	}, nil
}

// percent returns n/total as a percentage rounded to two places.
func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*10000) / 100
}
