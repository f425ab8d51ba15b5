// Package store provides SQLite-backed durable storage for session archives
// and the session index.
//
// Archives are kept as append-only byte fragments keyed by
// (session_id, byte_offset). Concatenating a session's fragments in offset
// order yields the archive document, so the store satisfies the same
// contract as a file: append, read back, truncate to a prefix, delete.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All listing queries are ordered so results are identical across runs.
package store
