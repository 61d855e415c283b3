package events

import (
	"time"

	"github.com/roach88/crashwatch/internal/game"
)

// Type names an event kind. The value is also the WebSocket frame type.
type Type string

const (
	// TypeNewRecord is published once per poll cycle that stored at least
	// one new record. Payload: NewRecords.
	TypeNewRecord Type = "new_record"

	// TypeReconciliationSummary is published once per reconciliation pass.
	// Payload: ReconciliationSummary.
	TypeReconciliationSummary Type = "reconciliation_summary"

	// TypeReverified is published after stored rows were re-verified.
	// Payload: Reverified.
	TypeReverified Type = "reverified"
)

// Event is one bus message.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// NewRecords carries the records one poll cycle stored, ascending by ID.
type NewRecords struct {
	Records       []game.Record `json:"records"`
	Inserted      int           `json:"inserted"`
	HighWaterMark int64         `json:"highWaterMark"`
}

// ReconciliationSummary reports one reconciliation pass.
type ReconciliationSummary struct {
	From          int64        `json:"from"`
	To            int64        `json:"to"`
	Filled        int          `json:"filled"`
	RemainingGaps []game.Range `json:"remainingGaps"`
	PagesFetched  int          `json:"pagesFetched"`
	PagesFailed   int          `json:"pagesFailed"`
}

// Reverified reports a re-verification sweep over stored rows.
type Reverified struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
}

// Ingested returns the number of records newly stored by the event, or 0
// for event kinds that do not change history.
func (e Event) Ingested() int {
	switch p := e.Payload.(type) {
	case NewRecords:
		return p.Inserted
	case *NewRecords:
		return p.Inserted
	case ReconciliationSummary:
		return p.Filled
	case *ReconciliationSummary:
		return p.Filled
	case Reverified:
		return p.Changed
	case *Reverified:
		return p.Changed
	default:
		return 0
	}
}
