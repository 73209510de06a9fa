package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/dbx"
	"github.com/asmolin/cloudvert/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	query :=
		`SELECT user_id, balance_cents, updated_at FROM accounts
		 WHERE user_id = $1
		 `
	return r.scanOne(ctx, query, userID)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, userID string) (*models.CreditAccount, error) {
	query :=
		`SELECT user_id, balance_cents, updated_at FROM accounts
		 WHERE user_id = $1
		 FOR UPDATE
		 `
	return r.scanOne(ctx, query, userID)
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, userID string) (*models.CreditAccount, error) {
	acct := &models.CreditAccount{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&acct.UserID, &acct.Balance, &acct.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return acct, nil
}

func (r *PostgresRepository) Create(ctx context.Context, userID string, balance models.Cents) (*models.CreditAccount, error) {
	query :=
		`INSERT INTO accounts (user_id, balance_cents, updated_at)
		 VALUES ($1, $2, now())
		 RETURNING user_id, balance_cents, updated_at
		 `

	acct := &models.CreditAccount{}
	err := r.db.QueryRowContext(ctx, query, userID, balance).Scan(&acct.UserID, &acct.Balance, &acct.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return acct, nil
}

func (r *PostgresRepository) UpdateBalance(ctx context.Context, userID string, balance models.Cents) error {
	query :=
		`UPDATE accounts SET balance_cents = $2, updated_at = now()
		 WHERE user_id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, userID, balance)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
