// Package timing dispatches many independently timed tasks through a
// hierarchical timing wheel.
//
// Each wheel level has a fixed number of buckets covering tick milliseconds
// each. Tasks beyond the span of a level go to a lazily created overflow level
// whose tick is the span of the level below. Armed buckets sit in a shared
// DelayQueue ordered by expiration; a single driver goroutine waits for the
// nearest one, advances the wheel and flushes the bucket. Flushed tasks either
// cascade into a finer bucket or, when due, reach the ExpiryHandler.
//
// All times are epoch milliseconds.
package timing
