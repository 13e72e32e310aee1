// Package migrations embeds the SQL schema so the server and tests can run
// goose without a filesystem path.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
