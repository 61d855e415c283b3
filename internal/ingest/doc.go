// Package ingest keeps the local game history complete.
//
// Two writers share one idempotent path (verify, then GameStore.Upsert):
//
//   - Poller fetches the newest feed page on a cadence. It is the only writer
//     of the Watermark, processes fresh records in ascending ID order and
//     publishes one new_record event per cycle that stored anything.
//
//   - Reconciler backfills an ID range by fetching the pages that cover it on
//     a bounded worker pool. Pages retry independently with bounded
//     exponential backoff; whatever is still missing afterwards is reported
//     as RemainingGaps instead of being retried forever. One
//     reconciliation_summary event is published per pass.
//
// Because every write is an upsert keyed by ID, overlapping passes, retried
// pages and a concurrently running Poller converge on the same stored state
// regardless of completion order.
//
// Poller state machine:
//
//	IDLE -> FETCHING -> PROCESSING -> SLEEPING -> FETCHING -> ...
//	                                     any state -> STOPPED (context done)
//
// SLEEPING is the only suspension point and is driven by an injectable
// clock.Clock. Transient upstream errors back off exponentially up to a cap;
// challenge blocks are reported to Health and retried at the normal
// interval.
package ingest
