// Package migrations embeds the goose SQL migrations for the upload
// engine's schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
