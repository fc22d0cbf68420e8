// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

func TestStore_Get(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      []byte
		wantErr   error
		wantCode  string
	}{
		{
			name: "existing key",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM authflow_kv WHERE key = \$1`).
					WithArgs("diag:trace").
					WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("01TRACE")))
			},
			want: []byte("01TRACE"),
		},
		{
			name: "missing key",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM authflow_kv`).
					WithArgs("diag:trace").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: storage.ErrNotFound,
		},
		{
			name: "schema missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM authflow_kv`).
					WithArgs("diag:trace").
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable})
			},
			wantCode: "STORAGE_SCHEMA_MISSING",
		},
		{
			name: "connection error",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT value FROM authflow_kv`).
					WithArgs("diag:trace").
					WillReturnError(errors.New("connection refused"))
			},
			wantCode: "STORAGE_QUERY_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			got, err := NewWithPool(mock).Get(context.Background(), "diag:trace")
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.wantCode != "":
				errutil.AssertErrorCode(t, err, tt.wantCode)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestStore_SetUpserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO authflow_kv .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("guard:state", []byte(`{"attempt_count":1}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewWithPool(mock).Set(context.Background(), "guard:state", []byte(`{"attempt_count":1}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Keys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT key FROM authflow_kv WHERE key LIKE \$1`).
		WithArgs(`session:01\_A:%`).
		WillReturnRows(pgxmock.NewRows([]string{"key"}).
			AddRow("session:01_A:guard").
			AddRow("session:01_A:cache"))

	keys, err := NewWithPool(mock).Keys(context.Background(), "session:01_A:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:01_A:guard", "session:01_A:cache"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Probe(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing()
	mock.ExpectExec(`INSERT INTO authflow_kv`).
		WithArgs("__authflow_probe__", []byte("1")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT value FROM authflow_kv`).
		WithArgs("__authflow_probe__").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("1")))
	mock.ExpectExec(`DELETE FROM authflow_kv`).
		WithArgs("__authflow_probe__").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, NewWithPool(mock).Probe(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ProbePingFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing().WillReturnError(errors.New("dial tcp: i/o timeout"))

	err = NewWithPool(mock).Probe(context.Background())
	errutil.AssertErrorCode(t, err, "STORAGE_PROBE_FAILED")
	errutil.AssertErrorContext(t, err, "operation", "ping")
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `guard:%`, likePrefix("guard:"))
	assert.Equal(t, `a\%b\_c\\%`, likePrefix(`a%b_c\`))
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u@h/db", MigrateURL("postgres://u@h/db"))
	assert.Equal(t, "pgx5://u@h/db", MigrateURL("postgresql://u@h/db"))
	assert.Equal(t, "pgx5://u@h/db", MigrateURL("pgx5://u@h/db"))
}

type fakeMigrate struct {
	upErr      error
	version    uint
	versionErr error
	srcErr     error
	dbErr      error
}

func (f *fakeMigrate) Up() error   { return f.upErr }
func (f *fakeMigrate) Down() error { return nil }
func (f *fakeMigrate) Version() (uint, bool, error) {
	return f.version, false, f.versionErr
}
func (f *fakeMigrate) Close() (error, error) { return f.srcErr, f.dbErr }

func TestMigrator(t *testing.T) {
	t.Run("no change is not an error", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{upErr: migrate.ErrNoChange}}
		require.NoError(t, m.Up())
	})

	t.Run("up failure", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{upErr: errors.New("boom")}}
		errutil.AssertErrorCode(t, m.Up(), "MIGRATION_UP_FAILED")
	})

	t.Run("nil version", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{versionErr: migrate.ErrNilVersion}}
		v, dirty, err := m.Version()
		require.NoError(t, err)
		assert.Zero(t, v)
		assert.False(t, dirty)
	})

	t.Run("close reports both failures", func(t *testing.T) {
		m := &Migrator{m: &fakeMigrate{srcErr: errors.New("src"), dbErr: errors.New("db")}}
		err := m.Close()
		errutil.AssertErrorCode(t, err, "MIGRATION_CLOSE_FAILED")
		errutil.AssertErrorContext(t, err, "component", "both")
	})
}

func TestMigrationsFS_Embedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_kv.up.sql")
	assert.Contains(t, names, "000001_kv.down.sql")
}
