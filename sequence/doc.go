// Package sequence allocates auto-increment values for DynamoDB items.
//
// DynamoDB has no server-side sequence. This package keeps one counter item per
// sequence in a counter table and inserts each new item in the same
// TransactWriteItems call that advances the counter, so a value is only ever
// assigned once.
//
// # Allocation
//
// Each attempt reads the counter with a consistent read, computes the next
// value, and submits two conditioned puts:
//
//   - the counter item, conditioned on still holding the value that was read
//     (or on not existing yet)
//   - the new item, conditioned on its key not existing
//
// If another writer advanced the counter first, the attempt is retried from a
// fresh read after a backoff delay. No lock is held between calls; the
// condition expressions are the only synchronization.
//
//	s := sequence.New(client, sequence.DefaultConfig())
//	res, err := s.Put(ctx, "widgets", "widgetID", map[string]any{
//	    "widgetName": "runcible spoon",
//	})
//	// res.Value is the allocated widgetID
//
// Values may skip (gaps) but never repeat or go backwards.
//
// # History
//
// [History] keeps the latest version of a single item in one table and archives
// every superseded version, numbered by the same allocation protocol, in a
// history table.
//
// # Errors
//
// Failed calls return an [*AllocationError] wrapping one of:
//
//   - [ErrDuplicateKey] - the item's key already exists
//   - [ErrAllocationExhausted] - contention outlasted the attempt budget or the context
//   - [ErrStore] - DynamoDB request failed (network, permissions, validation)
//   - [ErrInvalidConfig] - bad step, attempt count, or numeric overflow
package sequence
