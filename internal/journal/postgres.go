// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package journal

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin/lifecycle"
)

// CodeNotMigrated is returned when the journal table does not exist yet.
const CodeNotMigrated = "JOURNAL_NOT_MIGRATED"

// poolIface is the subset of pgxpool.Pool the store uses. pgxmock
// implements it for tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores entries in the plugin_journal table.
type Postgres struct {
	pool   poolIface
	closer func()
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool poolIface) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres connects to databaseURL.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("journal").Code("JOURNAL_CONNECT_FAILED").Wrap(err)
	}
	return &Postgres{pool: pool, closer: pool.Close}, nil
}

// Close releases the pool if the store opened it.
func (p *Postgres) Close() {
	if p.closer != nil {
		p.closer()
	}
}

// Append implements Journal.
func (p *Postgres) Append(ctx context.Context, e Entry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO plugin_journal (id, plugin, identity, path, generation, from_state, to_state, error, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID.String(), e.Plugin, e.Identity, e.Path, e.Generation.String(),
		e.From.String(), e.To.String(), e.Error, e.At)
	if err != nil {
		return wrapErr(err, "append").With("plugin", e.Plugin).Wrap(err)
	}
	return nil
}

// List implements Journal.
func (p *Postgres) List(ctx context.Context, q Query) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, plugin, identity, path, generation, from_state, to_state, error, at
		 FROM plugin_journal WHERE ($1 = '' OR plugin = $1) ORDER BY id DESC LIMIT $2`,
		q.Plugin, q.limit())
	if err != nil {
		return nil, wrapErr(err, "list").Wrap(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			id, gen, from, to string
			at                time.Time
		)
		if err := rows.Scan(&id, &e.Plugin, &e.Identity, &e.Path, &gen, &from, &to, &e.Error, &at); err != nil {
			return nil, oops.In("journal").With("operation", "scan").Wrap(err)
		}
		if e.ID, err = ulid.Parse(id); err != nil {
			return nil, oops.In("journal").With("id", id).Wrapf(err, "corrupt entry id")
		}
		if e.Generation, err = ulid.Parse(gen); err != nil {
			return nil, oops.In("journal").With("id", id).Wrapf(err, "corrupt generation")
		}
		if e.From, err = lifecycle.ParseState(from); err != nil {
			return nil, oops.In("journal").With("id", id).Wrap(err)
		}
		if e.To, err = lifecycle.ParseState(to); err != nil {
			return nil, oops.In("journal").With("id", id).Wrap(err)
		}
		e.At = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("journal").With("operation", "iterate").Wrap(err)
	}
	slices.Reverse(out)
	return out, nil
}

// Prune deletes everything but the newest keep entries.
func (p *Postgres) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultRetain
	}
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM plugin_journal WHERE id <= (
		   SELECT id FROM plugin_journal ORDER BY id DESC OFFSET $1 LIMIT 1)`,
		keep)
	if err != nil {
		return 0, wrapErr(err, "prune").Wrap(err)
	}
	return tag.RowsAffected(), nil
}

func wrapErr(err error, op string) oops.OopsErrorBuilder {
	b := oops.In("journal").With("operation", op)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		b = b.Code(CodeNotMigrated).Hint("run `plughost journal migrate` first")
	}
	return b
}

var _ Journal = (*Postgres)(nil)
