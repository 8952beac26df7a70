package db

import (
	"context"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webprotect/pkg/db/migrations"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz")
	require.ErrorContains(t, err, "parse dsn")
}

func TestMigrateRequiresPool(t *testing.T) {
	require.Error(t, Migrate(context.Background(), nil))
	_, err := OpenORM(nil)
	require.Error(t, err)
}

func TestMigrationSourcesEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations.Files, "*.go")
	require.NoError(t, err)
	assert.Contains(t, files, "0001_runs.go")
}

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), "", true)
	require.Error(t, err)

	var h *Handle
	h.Close()
}
