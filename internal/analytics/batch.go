package analytics

import (
	"context"
	"math"
	"time"

	"github.com/roach88/crashwatch/internal/game"
)

// window is the game selection of a batch operation: the newest limit games,
// or the games that ended in the last hours.
type window struct {
	byTime bool
	limit  int
	hours  int
}

func (p Params) window(defLimit, defHours int) (window, error) {
	byTime, err := p.bool("by_time", false)
	if err != nil {
		return window{}, err
	}
	if byTime {
		hours, err := p.int("hours", defHours, 1, MaxHours)
		return window{byTime: true, hours: hours}, err
	}
	limit, err := p.int("limit", defLimit, 1, MaxLimit)
	return window{limit: limit}, err
}

func (w window) addTo(key map[string]any) {
	key["by_time"] = w.byTime
	if w.byTime {
		key["hours"] = w.hours
		return
	}
	key["limit"] = w.limit
}

// periods returns the games in w and, when previous is set, those in the
// equally sized period immediately before it.
func (w window) periods(ctx context.Context, src Source, now time.Time, previous bool) (cur, prev []game.Record, err error) {
	if w.byTime {
		span := time.Duration(w.hours) * time.Hour
		start := now.Add(-span)
		cur, err = src.Between(ctx, start, now)
		if err != nil || !previous {
			return cur, nil, err
		}
		prev, err = src.Between(ctx, start.Add(-span), start)
		return cur, prev, err
	}

	cur, err = src.Latest(ctx, w.limit, game.Filter{})
	if err != nil || !previous || len(cur) == 0 {
		return cur, nil, err
	}
	oldest := cur[len(cur)-1].ID
	prev, err = src.Latest(ctx, w.limit, game.Filter{BeforeID: &oldest})
	return cur, prev, err
}

// PeriodComparison is the previous period of an occurrences_batch entry and
// how the current period differs from it.
type PeriodComparison struct {
	Occurrences
	CountChange      int     `json:"countChange"`
	PercentageChange float64 `json:"percentageChange"`
}

// BatchOccurrences is one value's entry in occurrences_batch.
type BatchOccurrences struct {
	Occurrences

	// Comparison is nil when not requested or when the previous period
	// holds no games.
	Comparison *PeriodComparison `json:"comparison,omitempty"`
}

// OccurrencesBatch is the result of occurrences_batch, one entry per
// requested value in request order.
type OccurrencesBatch struct {
	Kind        string             `json:"kind"`
	ByTime      bool               `json:"byTime"`
	Limit       int                `json:"limit,omitempty"`
	Hours       int                `json:"hours,omitempty"`
	Compare     bool               `json:"comparison"`
	Occurrences []BatchOccurrences `json:"occurrences"`
}

func prepareOccurrencesBatch(p Params) (map[string]any, runFunc, error) {
	kind, values, err := p.criteria()
	if err != nil {
		return nil, nil, err
	}
	w, err := p.window(100, 1)
	if err != nil {
		return nil, nil, err
	}
	compare, err := p.bool("comparison", true)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": kind, "values": values, "comparison": compare}
	w.addTo(key)

	return key, func(ctx context.Context, src Source, now time.Time) (any, error) {
		cur, prev, err := w.periods(ctx, src, now, compare)
		if err != nil {
			return nil, err
		}
		out := OccurrencesBatch{
			Kind:        kind,
			ByTime:      w.byTime,
			Limit:       w.limit,
			Hours:       w.hours,
			Compare:     compare,
			Occurrences: make([]BatchOccurrences, 0, len(values)),
		}
		for _, v := range values {
			c := Criterion{Kind: kind, Value: v}
			entry := BatchOccurrences{Occurrences: occurrences(c, cur)}
			if len(prev) > 0 {
				before := occurrences(c, prev)
				entry.Comparison = &PeriodComparison{
					Occurrences:      before,
					CountChange:      entry.Count - before.Count,
					PercentageChange: math.Round((entry.Percentage-before.Percentage)*100) / 100,
				}
			}
			out.Occurrences = append(out.Occurrences, entry)
		}
		return out, nil
	}, nil
}

// IntervalsBatch is the result of intervals_batch, one Intervals per
// requested value in request order.
type IntervalsBatch struct {
	ByTime  bool        `json:"byTime"`
	Results []Intervals `json:"results"`
}

func prepareIntervalsBatch(p Params) (map[string]any, runFunc, error) {
	kind, values, err := p.criteria()
	if err != nil {
		return nil, nil, err
	}
	byTime, err := p.bool("by_time", false)
	if err != nil {
		return nil, nil, err
	}
	key := map[string]any{"kind": kind, "values": values, "by_time": byTime}

	var split func(ctx context.Context, src Source, now time.Time) (func(Criterion) Intervals, error)
	if byTime {
		minutes, err := p.int("interval_minutes", 10, 1, 24*60)
		if err != nil {
			return nil, nil, err
		}
		hours, err := p.int("hours", 24, 1, MaxHours)
		if err != nil {
			return nil, nil, err
		}
		key["interval_minutes"], key["hours"] = minutes, hours
		split = func(ctx context.Context, src Source, now time.Time) (func(Criterion) Intervals, error) {
			grid := newTimeGrid(time.Duration(minutes)*time.Minute, time.Duration(hours)*time.Hour, now)
			recs, err := grid.fetch(ctx, src, now)
			if err != nil {
				return nil, err
			}
			return func(c Criterion) Intervals { return grid.intervals(c, recs) }, nil
		}
	} else {
		per, err := p.int("games_per_set", 10, 1, MaxLimit)
		if err != nil {
			return nil, nil, err
		}
		total, err := p.int("total_games", 1000, 1, MaxLimit)
		if err != nil {
			return nil, nil, err
		}
		key["games_per_set"], key["total_games"] = per, total
		split = func(ctx context.Context, src Source, _ time.Time) (func(Criterion) Intervals, error) {
			recs, err := latestAscending(ctx, src, total)
			if err != nil {
				return nil, err
			}
			return func(c Criterion) Intervals { return setIntervals(c, recs, per) }, nil
		}
	}

	return key, func(ctx context.Context, src Source, now time.Time) (any, error) {
		intervals, err := split(ctx, src, now)
		if err != nil {
			return nil, err
		}
		out := IntervalsBatch{ByTime: byTime, Results: make([]Intervals, 0, len(values))}
		for _, v := range values {
			out.Results = append(out.Results, intervals(Criterion{Kind: kind, Value: v}))
		}
		return out, nil
	}, nil
}
