// Package cache serves derived analytics through a version-stamped key space.
//
// Every cache key embeds the current cache version:
//
//	crashwatch:cache:<operation>:<params>:v<version>
//
// Ingestion bumps the version once per poll cycle or reconciliation pass that
// stored at least one record. Readers always build keys from the current
// version, so results computed before the bump become unreachable at once;
// the superseded keys are left for their TTL to reclaim. Nothing is ever
// deleted explicitly.
//
// The version lives in shared state (Redis INCR) when Redis is configured,
// or in an in-process atomic otherwise. It is initialised once and only
// ever increases.
//
// A key is never written with data computed under another version: the
// version is read again after compute, and the write is skipped if it moved.
//
// Backend failures never reach callers. GetOrCompute logs them and falls
// through to compute.
package cache
