// Package migrations embeds the schema for every supported backend.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

//go:embed mysql/*.sql
var MySQL embed.FS

//go:embed sqlite/*.sql
var SQLite embed.FS
