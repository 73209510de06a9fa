package transactions

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

func (r *PostgresRepository) Append(ctx context.Context, trx *models.CreditTransaction) error {
	query :=
		`INSERT INTO credit_transactions
		   (id, user_id, kind, amount_cents, balance_after_cents, description, settled, refunded_cents, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 `

	_, err := r.db.ExecContext(ctx, query,
		trx.ID, trx.UserID, string(trx.Kind), trx.Amount, trx.BalanceAfter,
		trx.Description, trx.Settled, trx.Refunded)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Find(ctx context.Context, id string) (*models.CreditTransaction, error) {
	query :=
		`SELECT id, user_id, kind, amount_cents, balance_after_cents, description, settled, refunded_cents, created_at
		 FROM credit_transactions
		 WHERE id = $1
		 FOR UPDATE
		 `

	trx := &models.CreditTransaction{}
	var kind string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&trx.ID, &trx.UserID, &kind, &trx.Amount, &trx.BalanceAfter,
		&trx.Description, &trx.Settled, &trx.Refunded, &trx.CreatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	trx.Kind = models.TransactionKind(kind)
	return trx, nil
}

func (r *PostgresRepository) MarkSettled(ctx context.Context, id string) error {
	query :=
		`UPDATE credit_transactions SET settled = TRUE
		 WHERE id = $1
		 `
	return r.exec(ctx, query, id)
}

func (r *PostgresRepository) AddRefunded(ctx context.Context, id string, amount models.Cents) error {
	query :=
		`UPDATE credit_transactions SET refunded_cents = refunded_cents + $2
		 WHERE id = $1
		 `

	res, err := r.db.ExecContext(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	query :=
		`SELECT id, user_id, kind, amount_cents, balance_after_cents, description, settled, refunded_cents, created_at
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2
		 `

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.CreditTransaction
	for rows.Next() {
		var trx models.CreditTransaction
		var kind string
		if err := rows.Scan(
			&trx.ID, &trx.UserID, &kind, &trx.Amount, &trx.BalanceAfter,
			&trx.Description, &trx.Settled, &trx.Refunded, &trx.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		trx.Kind = models.TransactionKind(kind)
		result = append(result, trx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
