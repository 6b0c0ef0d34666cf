package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/svcflow/internal/runtime"
	configpkg "github.com/drblury/svcflow/internal/runtime/config"
)

const notesSchema = `CREATE TABLE IF NOT EXISTS notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)`

func setup(t *testing.T, opts ...Option) *Provider {
	t.Helper()
	p := New(append([]Option{WithDSN(":memory:"), WithSchema(notesSchema)}, opts...)...)
	require.NoError(t, p.Setup(context.Background(), runtime.ProviderContext{Service: "notes"}))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func countNotes(t *testing.T, p *Provider) int {
	t.Helper()
	var n int
	require.NoError(t, p.db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&n))
	return n
}

func TestDriverFor(t *testing.T) {
	tests := []struct {
		dsn        string
		wantDriver string
		wantConn   string
		wantErr    bool
	}{
		{dsn: "postgres://app:pw@db:5432/app?sslmode=disable", wantDriver: "postgres", wantConn: "postgres://app:pw@db:5432/app?sslmode=disable"},
		{dsn: "postgresql://db/app", wantDriver: "postgres", wantConn: "postgresql://db/app"},
		{dsn: "sqlite:///var/lib/app.db", wantDriver: "sqlite3", wantConn: "/var/lib/app.db"},
		{dsn: "file:test.db?cache=shared", wantDriver: "sqlite3", wantConn: "file:test.db?cache=shared"},
		{dsn: ":memory:", wantDriver: "sqlite3", wantConn: ":memory:"},
		{dsn: "mysql://root:pw@db/app", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, conn, err := DriverFor(tt.dsn)
			if tt.wantErr {
				require.Error(t, err)
				assert.NotContains(t, err.Error(), "pw")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantConn, conn)
		})
	}
}

func TestSharedDatabase(t *testing.T) {
	p := setup(t)

	v, err := p.Acquire(context.Background(), runtime.WorkerInfo{Service: "notes"})
	require.NoError(t, err)
	db, ok := v.(*sql.DB)
	require.True(t, ok)

	_, err = db.Exec(`INSERT INTO notes (body) VALUES (?)`, "hello")
	require.NoError(t, err)
	p.Release(runtime.WorkerInfo{}, db, nil)
	assert.Equal(t, 1, countNotes(t, p))
}

func TestTransactionCommittedOnSuccess(t *testing.T) {
	p := setup(t, WithTransactions())

	v, err := p.Acquire(context.Background(), runtime.WorkerInfo{Service: "notes", Entrypoint: "create"})
	require.NoError(t, err)
	tx, ok := v.(*sql.Tx)
	require.True(t, ok)

	_, err = tx.Exec(`INSERT INTO notes (body) VALUES (?)`, "kept")
	require.NoError(t, err)
	p.Release(runtime.WorkerInfo{Service: "notes", Entrypoint: "create"}, tx, nil)

	assert.Equal(t, 1, countNotes(t, p))
}

func TestTransactionRolledBackOnFailure(t *testing.T) {
	p := setup(t, WithTransactions())

	v, err := p.Acquire(context.Background(), runtime.WorkerInfo{})
	require.NoError(t, err)
	tx := v.(*sql.Tx)
	_, err = tx.Exec(`INSERT INTO notes (body) VALUES (?)`, "discarded")
	require.NoError(t, err)
	p.Release(runtime.WorkerInfo{}, tx, errors.New("validation failed"))

	assert.Equal(t, 0, countNotes(t, p))
}

func TestReleaseAfterHandlerCommitted(t *testing.T) {
	p := setup(t, WithTransactions())

	v, err := p.Acquire(context.Background(), runtime.WorkerInfo{})
	require.NoError(t, err)
	tx := v.(*sql.Tx)
	require.NoError(t, tx.Commit())

	assert.NotPanics(t, func() { p.Release(runtime.WorkerInfo{}, tx, nil) })
}

func TestSetupReadsDSNFromConfig(t *testing.T) {
	p := New(WithConfigKey("storage.dsn"))
	err := p.Setup(context.Background(), runtime.ProviderContext{
		Service: "notes",
		Config:  &configpkg.Config{Values: map[string]any{"storage": map[string]any{"dsn": ":memory:"}}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	v, err := p.Acquire(context.Background(), runtime.WorkerInfo{})
	require.NoError(t, err)
	assert.IsType(t, &sql.DB{}, v)
}

func TestSetupErrors(t *testing.T) {
	t.Run("missing dsn", func(t *testing.T) {
		err := New().Setup(context.Background(), runtime.ProviderContext{Service: "notes"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), DefaultConfigKey)
	})
	t.Run("bad schema", func(t *testing.T) {
		err := New(WithDSN(":memory:"), WithSchema("CREATE NONSENSE")).Setup(context.Background(), runtime.ProviderContext{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply schema")
	})
	t.Run("acquire before setup", func(t *testing.T) {
		_, err := New().Acquire(context.Background(), runtime.WorkerInfo{})
		assert.Error(t, err)
	})
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/app", redact("postgres://app:secret@db:5432/app"))
	assert.Equal(t, "postgres://db/app", redact("postgres://db/app"))
	assert.Equal(t, ":memory:", redact(":memory:"))
}

func TestDefaults(t *testing.T) {
	p := New()
	assert.Equal(t, DefaultConfigKey, p.cfg.ConfigKey)
	assert.Equal(t, DefaultMaxOpenConns, p.cfg.MaxOpenConns)

	p = New(WithPool(3, 1))
	assert.Equal(t, 3, p.cfg.MaxOpenConns)
	assert.Equal(t, 1, p.cfg.MaxIdleConns)
}

func TestProviderSatisfiesInterface(t *testing.T) {
	var _ runtime.Provider = New()
}
