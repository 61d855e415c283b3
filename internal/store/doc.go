// Package store provides SQLite-backed durable storage for crash-game history.
//
// The games table is keyed by the upstream game ID. Ingestion only ever
// inserts: the poller and the reconciler both call Upsert, which is
// idempotent through ON CONFLICT(id) DO NOTHING, so overlapping writers
// converge on one row per ID without coordination.
//
// # Immutability
//
// A stored row's upstream content (hash, reported outcome, timestamps) is
// never rewritten. A second delivery with different content returns a
// *game.ConflictError and the stored row wins. The only sanctioned mutation
// is UpdateVerification, which rewrites the locally derived columns after a
// secret or tolerance change.
//
// # Time
//
// Timestamps are stored as epoch milliseconds and returned in the location
// configured with WithLocation (UTC by default).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Queries that return lists always return a non-nil slice.
package store
