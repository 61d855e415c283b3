package game

import (
	"fmt"
	"math"
	"time"
)

// Record is one round of the monitored crash game.
type Record struct {
	ID                int64     `json:"id"`
	Hash              string    `json:"hash"`
	ReportedOutcome   float64   `json:"reportedOutcome"`
	CalculatedOutcome float64   `json:"calculatedOutcome"`
	Verified          bool      `json:"verified"`
	Deviation         float64   `json:"deviation"`
	FloorValue        int64     `json:"floorValue"`
	PrepareTime       time.Time `json:"prepareTime"`
	BeginTime         time.Time `json:"beginTime"`
	EndTime           time.Time `json:"endTime"`

	// IngestedAt is local bookkeeping and is not part of the record's content.
	IngestedAt time.Time `json:"ingestedAt,omitempty"`
}

// outcomeTolerance absorbs float round-trips through storage when comparing
// reported outcomes for conflict detection.
const outcomeTolerance = 1e-9

// SameContent reports whether two records describe the same game. Derived
// fields (calculated outcome, verification) and local bookkeeping are ignored:
// they are recomputed locally and never come from upstream.
func (r Record) SameContent(other Record) bool {
	if r.ID != other.ID || r.Hash != other.Hash {
		return false
	}
	if math.Abs(r.ReportedOutcome-other.ReportedOutcome) > outcomeTolerance {
		return false
	}
	return sameMillis(r.PrepareTime, other.PrepareTime) &&
		sameMillis(r.BeginTime, other.BeginTime) &&
		sameMillis(r.EndTime, other.EndTime)
}

// sameMillis compares instants at the millisecond precision the feed uses.
func sameMillis(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return a.UnixMilli() == b.UnixMilli()
}

// In returns a copy with every timestamp converted to loc.
func (r Record) In(loc *time.Location) Record {
	if loc == nil {
		return r
	}
	r.PrepareTime = inLocation(r.PrepareTime, loc)
	r.BeginTime = inLocation(r.BeginTime, loc)
	r.EndTime = inLocation(r.EndTime, loc)
	r.IngestedAt = inLocation(r.IngestedAt, loc)
	return r
}

func inLocation(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(loc)
}

// FloorOf returns the integer floor of an outcome.
func FloorOf(outcome float64) int64 {
	return int64(math.Floor(outcome))
}

// Range is an inclusive span of record IDs.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Len returns the number of IDs covered by the range.
func (r Range) Len() int64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r Range) String() string {
	if r.From == r.To {
		return fmt.Sprintf("%d", r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// CollapseRanges folds an ascending list of IDs into inclusive ranges.
// The input must be sorted ascending and free of duplicates.
func CollapseRanges(ids []int64) []Range {
	ranges := []Range{}
	for _, id := range ids {
		n := len(ranges)
		if n > 0 && ranges[n-1].To+1 == id {
			ranges[n-1].To = id
			continue
		}
		ranges = append(ranges, Range{From: id, To: id})
	}
	return ranges
}

// Missing returns the IDs in [from, to] that are absent from present.
// present must be sorted ascending.
func Missing(from, to int64, present []int64) []int64 {
	missing := []int64{}
	i := 0
	for id := from; id <= to; id++ {
		for i < len(present) && present[i] < id {
			i++
		}
		if i < len(present) && present[i] == id {
			continue
		}
		missing = append(missing, id)
	}
	return missing
}
