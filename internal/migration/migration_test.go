package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/cartera/internal/reconciliation/domain"
	"github.com/smallbiznis/cartera/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAutoMigratesNonPostgres(t *testing.T) {
	conn, err := db.NewTest()
	require.NoError(t, err)

	require.NoError(t, Apply(conn))
	require.NoError(t, Apply(conn))

	for _, table := range []string{"insurers", "providers", "insurer_providers", "periods", "aging_records", "cashflow_records", "capitation_records"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	assert.True(t, conn.Migrator().HasColumn(&domain.CapitationRecord{}, "upc_value"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
	assert.Error(t, Apply(nil))
}
