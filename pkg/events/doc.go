// Package events provides an in-memory event broker for ionexus.
//
// The broker is a non-blocking pub/sub bus: Publish enqueues onto a buffered
// channel drained by a single broadcast goroutine, which fans out to each
// subscriber's own buffered channel. A slow subscriber drops events rather
// than blocking publishers; this bus is for observability (fault,
// rebuild-progress, child-state-change notifications), not for delivery
// guarantees.
package events
