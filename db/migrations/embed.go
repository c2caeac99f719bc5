package migrations

import "embed"

// Files contains the SQL migrations for each dialect, one directory per dialect,
// applied in ascending filename order.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
