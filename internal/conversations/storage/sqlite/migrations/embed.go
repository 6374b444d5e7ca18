package migrations

import "embed"

// FS contains embedded SQLite migrations for conversations storage.
//
//go:embed *.sql
var FS embed.FS
