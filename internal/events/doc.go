// Package events is the in-process publish/subscribe bus that decouples
// ingestion from its consumers (cache invalidation, live broadcast).
//
// Delivery is best effort: there is no persistence and no replay, and a
// subscriber only sees events published after it subscribed. Each queued
// subscription owns an unbounded FIFO and one worker goroutine, so a slow
// consumer never stalls the publisher and sees events in publish order.
// Inline subscriptions (WithInline) run inside Publish; cache invalidation
// uses this so the version bump is visible as soon as the ingesting cycle
// returns.
//
// A handler's error or panic is logged and does not affect other
// subscribers. A handler must not call Unsubscribe on its own subscription.
package events
