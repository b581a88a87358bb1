// Package storage persists suggestions and the feedback users give on them.
//
// Backends:
//   - file: in-memory index rebuilt from an append-only JSON Lines journal
//   - sqlite: modernc.org/sqlite (pure Go), migrated with goose
//   - postgres: pgx pool, migrated with goose
package storage
