// Package migrations embeds the orchestrator's goose SQL migrations so
// cmd/migrate.go doesn't depend on a schema living in a separate module.
package migrations

import "embed"

//go:embed migrations/*.sql
var FS embed.FS
