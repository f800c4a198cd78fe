// Package migrations embeds the schema applied by the migrate command.
package migrations

import _ "embed"

//go:embed mysql/001_init.sql
var MySQL string

//go:embed clickhouse/001_init.sql
var ClickHouse string
