// Package migrations embeds the SQL schema.
package migrations

import "embed"

// FS holds sql/*.up.sql and sql/*.down.sql.
//
//go:embed sql/*.sql
var FS embed.FS
