// Package migrations embeds the sync store schema files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
