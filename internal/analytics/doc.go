// Package analytics implements the derived queries served over the game
// history. Every query is a named operation routed through the versioned
// cache: parameters are parsed and defaulted first, so equivalent requests
// share one cache key, and results are recomputed only after ingestion bumps
// the cache version.
//
// Operations and their cache tiers:
//
//	last_games            short  newest games meeting a criterion
//	last_match            short  newest game meeting a criterion + games since
//	last_match_batch      short  last_match for many values (fingerprinted key)
//	occurrences_by_games  short  hit count/percentage over the last N games
//	occurrences_by_time   short  hit count/percentage over the last N hours
//	intervals_by_time     long   per-bucket hit counts over fixed time buckets
//	intervals_by_games    long   per-set hit counts over consecutive game sets
//	series_without_min    long   streaks of games below a threshold
//	distribution          long   game counts per floor value
//
// A criterion is {kind, value} where kind is "min" (outcome >= value),
// "max" (outcome <= value) or "floor" (floor value == value).
package analytics
