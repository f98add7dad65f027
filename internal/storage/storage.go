// Package storage is the metadata store for files, variants, version
// snapshots, processing jobs and sweep bookkeeping.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// Storage is the Postgres Repository. Advisory locks live on their own
// pool: a lock holder keeps that connection while it queries through pool,
// so the two never compete for the same connections.
type Storage struct {
	pool  *pgxpool.Pool
	locks *pgxpool.Pool
	log   *zap.Logger
}

var _ Repository = (*Storage)(nil)

// NewStorage migrates the schema and opens the query and lock pools.
func NewStorage(ctx context.Context, cfg models.DatabaseConfig, log *zap.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(cfg.URL, log); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := openPool(ctx, cfg.URL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	locks, err := openPool(ctx, cfg.URL, cfg.LockConns)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: locks: %w", op, err)
	}

	return &Storage{pool: pool, locks: locks, log: log.With(zap.String("component", "storage"))}, nil
}

func openPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Storage) Close() {
	s.locks.Close()
	s.pool.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapErr turns driver errors into apperr kinds.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperr.Wrap(apperr.KindInvalidState, op, err)
		case unavailableCode(pgErr.Code):
			return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// unavailableCode matches connection exceptions (class 08), server
// shutdown and resource exhaustion.
func unavailableCode(code string) bool {
	switch code {
	case "57P01", "57P02", "57P03", "53300", "53000":
		return true
	}
	return strings.HasPrefix(code, "08")
}

// expectOne reports NotFound when an update touched no rows.
func expectOne(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, op)
	}
	return nil
}
