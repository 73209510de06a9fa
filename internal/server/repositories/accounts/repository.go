package accounts

import (
	"context"

	"github.com/asmolin/cloudvert/internal/server/models"
)

// Repository persists per-user credit accounts. Mutating calls are expected
// to run inside a transaction where the row was fetched with GetForUpdate,
// which is what serializes concurrent balance changes per user.
type Repository interface {
	Get(ctx context.Context, userID string) (*models.CreditAccount, error)
	// GetForUpdate fetches the account row and takes a row-level lock for
	// the duration of the surrounding transaction.
	GetForUpdate(ctx context.Context, userID string) (*models.CreditAccount, error)
	Create(ctx context.Context, userID string, balance models.Cents) (*models.CreditAccount, error)
	UpdateBalance(ctx context.Context, userID string, balance models.Cents) error
}
