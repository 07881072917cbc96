// Package dedupe provides a time- and size-bounded cache that maps
// idempotency keys to the value first recorded for them.
//
// The run manager uses it so that a retried run request carrying the same
// idempotency key returns the original run id instead of starting a second
// run. Entries expire after a TTL and the oldest entry is evicted when the
// cache is full.
package dedupe
