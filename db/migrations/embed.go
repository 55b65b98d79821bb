// Package dbmigrations embeds the schema migrations.
package dbmigrations

import "embed"

// FS holds the numbered up and down migrations.
//
//go:embed *.sql
var FS embed.FS
