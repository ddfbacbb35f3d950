package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/dbsession"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		BackendDriver:       config.DriverSQLite,
		BackendDSN:          filepath.Join(t.TempDir(), "backend.sqlite3"),
		DBOpenRetries:       3,
		DBReconnectAttempts: 3,
		DBLockTimeoutSec:    5,
	}
}

func openTestBackend(t *testing.T) *dbsession.Session {
	t.Helper()
	s, err := OpenBackend(context.Background(), testConfig(t), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadAppliedVersions_NilSession(t *testing.T) {
	_, err := loadAppliedVersions(context.Background(), nil)
	require.Error(t, err)
}

func TestApplyOneMigration_NilSession(t *testing.T) {
	err := applyOneMigration(context.Background(), nil, fstest.MapFS{}, "001_init.sql")
	require.Error(t, err)
}

func TestMigrate_EmbeddedIsIdempotent(t *testing.T) {
	s := openTestBackend(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, s, ""))
	require.NoError(t, Migrate(ctx, s, ""))

	res, err := s.Query(ctx, "SELECT version FROM schema_version ORDER BY version")
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)

	res, err = s.Query(ctx, "SELECT COUNT(*) FROM role")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows[0][0])
}

func TestMigrate_FailedFileRollsBack(t *testing.T) {
	s := openTestBackend(t)
	ctx := context.Background()

	src := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"002_broken.sql": {Data: []byte("CREATE TABLE b (id INTEGER); INSERT INTO missing VALUES (1);")},
		"readme.txt":     {Data: []byte("ignored")},
	}
	err := MigrateFS(ctx, s, src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")

	applied, err := loadAppliedVersions(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"001_ok.sql": true}, applied)

	_, err = s.Query(ctx, "SELECT * FROM b")
	assert.Error(t, err, "table from the failed migration must be rolled back")
}

func TestMigrate_MissingDirectorySkips(t *testing.T) {
	s := openTestBackend(t)
	require.NoError(t, Migrate(context.Background(), s, filepath.Join(t.TempDir(), "nope")))
}

func TestMigrate_ExternalDirectory(t *testing.T) {
	s := openTestBackend(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_x.sql"), []byte("CREATE TABLE x (v TEXT);"), 0o644))

	require.NoError(t, Migrate(context.Background(), s, dir))
	_, err := s.Exec(context.Background(), "INSERT INTO x (v) VALUES (?)", "ok")
	require.NoError(t, err)
}

func TestCountPendingMigrations(t *testing.T) {
	n := countPendingMigrations([]string{"001.sql", "002.sql", "003.sql"}, map[string]bool{"002.sql": true})
	assert.Equal(t, 2, n)
}

func TestBackendOptions(t *testing.T) {
	cfg := &config.Config{BackendDriver: "postgresql", BackendDSN: "postgres://u@h/db"}
	drv, opts, err := BackendOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, dbsession.PostgresDriverName, drv.Name())
	assert.Equal(t, "postgres://u@h/db", opts.String("dsn"))

	_, _, err = BackendOptions(&config.Config{BackendDriver: "sqlite"})
	assert.Error(t, err)
}

func TestEmbeddedMigrationsPerDriver(t *testing.T) {
	for _, drv := range []string{dbsession.SQLiteDriverName, dbsession.PostgresDriverName} {
		src, err := Migrations(drv)
		require.NoError(t, err)
		_, err = src.Open("001_init.sql")
		assert.NoError(t, err, drv)
	}
}
