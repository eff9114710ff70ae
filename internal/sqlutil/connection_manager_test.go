package sqlutil_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
)

func TestConnectionManager(t *testing.T) {
	processCtx := process.NewProcessContext()
	cm := sqlutil.NewConnectionManager(processCtx)

	dbProps := &config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "conn.db")),
	}
	db, writer, err := cm.Connection(dbProps)
	require.NoError(t, err)
	_, ok := writer.(*sqlutil.ExclusiveWriter)
	assert.True(t, ok, "expected exclusive writer for SQLite")

	db2, writer2, err := cm.Connection(dbProps)
	require.NoError(t, err)
	assert.Same(t, db, db2, "expected database connection to be reused")
	assert.Equal(t, writer, writer2, "expected database writer to be reused")

	_, _, err = cm.Connection(&config.DatabaseOptions{})
	assert.Error(t, err)

	processCtx.ShutdownFedCore()
	processCtx.WaitForComponentsToFinish()
	assert.Error(t, db.Ping(), "the connection closes on shutdown")
}
