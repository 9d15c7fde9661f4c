// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package journal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/plughost/internal/plugin/lifecycle"
	"github.com/holomush/plughost/pkg/errutil"
)

var columns = []string{"id", "plugin", "identity", "path", "generation", "from_state", "to_state", "error", "at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestPostgres_Append(t *testing.T) {
	mock := newMock(t)
	e := Entry{
		ID:         ulid.Make(),
		Plugin:     "Alpha",
		Identity:   "alpha",
		Path:       "/plugins/alpha.lua",
		Generation: ulid.Make(),
		From:       lifecycle.StateStarting,
		To:         lifecycle.StateStartFailed,
		Error:      "no database",
		At:         time.Now(),
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plugin_journal")).
		WithArgs(e.ID.String(), "Alpha", "alpha", "/plugins/alpha.lua", e.Generation.String(),
			"starting", "start_failed", "no database", e.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPostgres(mock).Append(context.Background(), e))
}

func TestPostgres_AppendBeforeMigration(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plugin_journal")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: `relation "plugin_journal" does not exist`})

	err := NewPostgres(mock).Append(context.Background(), Entry{Plugin: "Alpha"})
	errutil.AssertErrorCode(t, err, CodeNotMigrated)
	errutil.AssertErrorContext(t, err, "operation", "append")
}

func TestPostgres_ListOldestFirst(t *testing.T) {
	mock := newMock(t)
	older, newer := ulid.Make(), ulid.Make()
	gen := ulid.Make()
	at := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, plugin")).
		WithArgs("Alpha", 10).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(newer.String(), "Alpha", "alpha", "/p/alpha.lua", gen.String(), "configured", "starting", "", at).
			AddRow(older.String(), "Alpha", "alpha", "/p/alpha.lua", gen.String(), "loaded", "configured", "", at))

	got, err := NewPostgres(mock).List(context.Background(), Query{Plugin: "Alpha", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, older, got[0].ID)
	assert.Equal(t, lifecycle.StateLoaded, got[0].From)
	assert.Equal(t, lifecycle.StateStarting, got[1].To)
	assert.Equal(t, gen, got[1].Generation)
}

func TestPostgres_ListErrors(t *testing.T) {
	tests := []struct {
		name     string
		row      []any
		queryErr error
		wantMsg  string
	}{
		{name: "query fails", queryErr: errors.New("connection refused"), wantMsg: "connection refused"},
		{name: "corrupt id", row: []any{"nope", "A", "a", "/a", ulid.Make().String(), "loaded", "configured", "", time.Now()}, wantMsg: "corrupt entry id"},
		{name: "unknown state", row: []any{ulid.Make().String(), "A", "a", "/a", ulid.Make().String(), "flying", "configured", "", time.Now()}, wantMsg: `unknown lifecycle state "flying"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			q := mock.ExpectQuery(regexp.QuoteMeta("SELECT id, plugin")).WithArgs("", DefaultRetain)
			if tt.queryErr != nil {
				q.WillReturnError(tt.queryErr)
			} else {
				q.WillReturnRows(pgxmock.NewRows(columns).AddRow(tt.row...))
			}

			_, err := NewPostgres(mock).List(context.Background(), Query{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPostgres_Prune(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM plugin_journal")).
		WithArgs(50).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := NewPostgres(mock).Prune(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
