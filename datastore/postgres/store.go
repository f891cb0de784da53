package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/remind101/migrate"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/datastore/postgres/migrations"
)

var _ datastore.Store = (*MirrorStore)(nil)

// InitPostgresMirrorStore initializes a datastore.Store given the pgxpool.Pool.
func InitPostgresMirrorStore(_ context.Context, pool *pgxpool.Pool, doMigration bool) (datastore.Store, error) {
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	// do migrations if requested
	if doMigration {
		migrator := migrate.NewPostgresMigrator(db)
		migrator.Table = migrations.MigrationTable
		err := migrator.Exec(migrate.Up, migrations.Migrations...)
		if err != nil {
			return nil, fmt.Errorf("failed to perform migrations: %w", err)
		}
	}

	store := NewMirrorStore(pool)
	return store, nil
}

// MirrorStore implements the datastore.Store interface.
//
// The exported methods live in per-concern files.
type MirrorStore struct {
	pool *pgxpool.Pool
}

func NewMirrorStore(pool *pgxpool.Pool) *MirrorStore {
	return &MirrorStore{
		pool: pool,
	}
}

func (s *MirrorStore) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// Pg error codes acted on when translating into the domain error taxonomy.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DomainErr translates driver-level failures into domain errors where a
// semantic kind applies, and wraps everything else verbatim.
func domainErr(op string, msg string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: msg, Inner: err}
	case errors.As(err, &pgErr):
		switch pgErr.Code {
		case pgUniqueViolation, pgForeignKeyViolation:
			return &chantal.Error{Op: op, Kind: chantal.ErrConflict, Message: msg, Inner: err}
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Message: msg, Inner: err}
	}
	return fmt.Errorf("%s: %s: %w", op, msg, err)
}
