// Package notifier turns scheduler lifecycle events into short chat messages.
//
// Messages go through one bounded queue drained by a single worker, so they
// arrive in publish order. Delivery is rate limited, retried with backoff and
// deduplicated over a short window. Notify never blocks the caller: when the
// queue is full the message is dropped and counted.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for
// /status.
package notifier
