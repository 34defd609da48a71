// Package storage owns the SQLite database shared by the task, project and
// usage stores.
//
// It provides:
//   - Open: file creation, pragmas and embedded goose migrations
//   - Tx: transactions with SQLITE_BUSY retry
//   - time/NULL helpers for the millisecond timestamp columns
package storage
