// Package migrations embeds the forward-only schema steps for the local
// message database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
