package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tagsakay/server/internal/model"
)

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so inserts can run
// standalone or inside a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Store struct {
	pool *pgxpool.Pool

	Users   *UserRepo
	Devices *DeviceRepo
	Tags    *TagRepo
	Scans   *ScanRepo
	APIKeys *APIKeyRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:    pool,
		Users:   &UserRepo{pool: pool},
		Devices: &DeviceRepo{pool: pool},
		Tags:    &TagRepo{pool: pool},
		Scans:   &ScanRepo{pool: pool},
		APIKeys: &APIKeyRepo{pool: pool},
	}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// RegisterDevice inserts a device and its credential row together, so a
// device never exists without a resolvable key.
func (s *Store) RegisterDevice(ctx context.Context, device model.Device, key model.APIKey) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := insertDevice(ctx, tx, device); err != nil {
			return err
		}
		return insertAPIKey(ctx, tx, key)
	})
}

// wrapErr maps driver errors onto the store sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
