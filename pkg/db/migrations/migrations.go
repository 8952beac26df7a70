// Package migrations registers the ledger schema migrations with goose.
package migrations

import "embed"

// Files holds the migration sources so goose can discover versions without
// the source tree on disk.
//
//go:embed *.go
var Files embed.FS
