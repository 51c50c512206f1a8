// Package migrations embeds the ledger schema migrations applied by
// goose at startup.
package migrations

import "embed"

// Migrations holds the SQL migration files.
//
//go:embed *.sql
var Migrations embed.FS
