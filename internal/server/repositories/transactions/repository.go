package transactions

import (
	"context"

	"github.com/asmolin/cloudvert/internal/server/models"
)

// Repository stores the append-only credit transaction log. Rows are never
// updated except for the settlement columns of reserve entries (settled flag
// and accumulated refund), which gate commit/refund idempotence.
type Repository interface {
	Append(ctx context.Context, trx *models.CreditTransaction) error
	// Find returns a transaction by id. Unknown ids map to
	// common.ErrorNotFound, which the service treats as a
	// programming-error class failure.
	Find(ctx context.Context, id string) (*models.CreditTransaction, error)
	MarkSettled(ctx context.Context, id string) error
	AddRefunded(ctx context.Context, id string, amount models.Cents) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}
