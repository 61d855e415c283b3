// Package upstream is the client for the crash-game history feed.
//
// The feed sits behind edge protection and changes its envelope without
// notice. FetchPage therefore:
//
//   - probes several envelope paths for the record list (bare array,
//     data.list, data.items, data.data, ...),
//   - accepts both the bare record shape and the {gameId, gameDetail} shape
//     whose detail is a JSON-encoded string,
//   - validates every normalized record against the #Game CUE schema and
//     reports failures per item in Page.Invalid instead of failing the page,
//   - recognizes challenge pages by signature and returns a Blocked
//     *game.UpstreamError, distinct from a legitimately empty page.
//
// Timeouts, connection failures, non-200 statuses and unparseable bodies are
// Transient. Nothing here retries; callers own the retry policy.
//
// CookieFile supplies credentials from a name=value file and reloads it on
// change (fsnotify), so a credential refresh does not require a restart.
package upstream
