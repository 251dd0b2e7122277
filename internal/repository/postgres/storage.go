package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/chatscheduler/internal/repository"
)

// Common part of pgxpool.Pool, pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Seals tokens before they are written and opens them after read
type TokenSealer interface {
	SealPtr(plain *string) (*string, error)
	OpenPtr(sealed *string) (*string, error)
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

type Storage struct {
	db     DBTX
	sealer TokenSealer
}

func NewStorage(db DBTX, sealer TokenSealer) repository.Storage {
	return &Storage{db: db, sealer: sealer}
}

func (s *Storage) Credential() repository.CredentialRepo {
	return &CredentialRepo{DB: s.db, Sealer: s.sealer}
}

func (s *Storage) Message() repository.MessageRepo {
	return &MessageRepo{DB: s.db}
}

func (s *Storage) InTx(ctx context.Context, fn func(repository.Storage) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db tx error: %w", err)
	}

	defer func() {
		switch err {
		case nil:
			err = tx.Commit(ctx)
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	err = fn(NewStorage(tx, s.sealer))

	return err
}
