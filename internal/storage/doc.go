// Package storage is the local-disk persistence layer of the pipeline.
//
// It holds:
//   - Notified records (dedup set) and per-channel cursors, committed together
//   - Backoff counters per failure domain
//   - The append-only cycle run log (bounded by PruneRuns)
//   - The last fixed-time schedule slot that fired
//   - An inbox of channel posts received from the Telegram bot
//
// Two drivers exist: sqlite (default) and a file backend.
package storage
