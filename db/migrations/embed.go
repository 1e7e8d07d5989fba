// Package dbmigrations exposes embedded SQL migrations for streambid binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into streambid binaries.
//
//go:embed *.sql
var Files embed.FS
