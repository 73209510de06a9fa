package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/google/uuid"
)

// MemoryLedger is the in-process ledger used for tests and DSN-less
// development runs. It keeps the same semantics as CreditLedger: one mutex
// plays the role of the per-account row locks, so concurrent mutations for
// the same user never lose an update.
type MemoryLedger struct {
	mu            sync.Mutex
	startingGrant models.Cents
	accounts      map[string]*models.CreditAccount
	transactions  map[string]*models.CreditTransaction
}

func NewMemoryLedger(startingGrant models.Cents) *MemoryLedger {
	return &MemoryLedger{
		startingGrant: startingGrant,
		accounts:      make(map[string]*models.CreditAccount),
		transactions:  make(map[string]*models.CreditTransaction),
	}
}

func (s *MemoryLedger) GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.ensureAccount(userID)
	cp := *acct
	return &cp, nil
}

func (s *MemoryLedger) Grant(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, common.ErrorInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.ensureAccount(userID)
	acct.Balance += amount
	acct.UpdatedAt = time.Now()
	return s.append(userID, models.TransactionGrant, amount, acct.Balance, description, false), nil
}

func (s *MemoryLedger) Deduct(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, common.ErrorInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.ensureAccount(userID)
	if acct.Balance < amount {
		return nil, common.ErrorInsufficientCredits
	}
	acct.Balance -= amount
	acct.UpdatedAt = time.Now()
	return s.append(userID, models.TransactionReserve, amount, acct.Balance, description, true), nil
}

func (s *MemoryLedger) Reserve(ctx context.Context, userID string, amount models.Cents, description string) (string, error) {
	if amount <= 0 {
		return "", common.ErrorInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.ensureAccount(userID)
	if acct.Balance < amount {
		return "", common.ErrorInsufficientCredits
	}
	acct.Balance -= amount
	acct.UpdatedAt = time.Now()
	trx := s.append(userID, models.TransactionReserve, amount, acct.Balance, description, false)
	return trx.ID, nil
}

func (s *MemoryLedger) Commit(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trx, err := s.findReservation(reservationID)
	if err != nil {
		return err
	}
	if trx.Settled {
		return nil
	}
	trx.Settled = true
	acct := s.ensureAccount(trx.UserID)
	s.append(trx.UserID, models.TransactionCommit,
		trx.Amount-trx.Refunded, acct.Balance, "reservation "+reservationID, false)
	return nil
}

func (s *MemoryLedger) Refund(ctx context.Context, reservationID string, amount models.Cents) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return common.ErrorInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	trx, err := s.findReservation(reservationID)
	if err != nil {
		return err
	}
	if trx.Settled || trx.Refunded > 0 {
		return nil
	}
	if amount > trx.Amount {
		return common.ErrorInvalidAmount
	}
	acct := s.ensureAccount(trx.UserID)
	acct.Balance += amount
	acct.UpdatedAt = time.Now()
	trx.Refunded = amount
	s.append(trx.UserID, models.TransactionRefund, amount, acct.Balance, "reservation "+reservationID, false)
	return nil
}

func (s *MemoryLedger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []models.CreditTransaction
	for _, trx := range s.transactions {
		if trx.UserID == userID {
			result = append(result, *trx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- helpers below (callers hold s.mu) ---

func (s *MemoryLedger) ensureAccount(userID string) *models.CreditAccount {
	if acct, ok := s.accounts[userID]; ok {
		return acct
	}
	acct := &models.CreditAccount{UserID: userID, Balance: s.startingGrant, UpdatedAt: time.Now()}
	s.accounts[userID] = acct
	if s.startingGrant > 0 {
		s.append(userID, models.TransactionGrant, s.startingGrant, s.startingGrant, "starting grant", false)
	}
	return acct
}

func (s *MemoryLedger) findReservation(reservationID string) (*models.CreditTransaction, error) {
	trx, ok := s.transactions[reservationID]
	if !ok {
		return nil, fmt.Errorf("looking up reservation %s: %w", reservationID, common.ErrorNotFound)
	}
	if trx.Kind != models.TransactionReserve {
		return nil, fmt.Errorf("transaction %s is %s, not a reservation: %w",
			reservationID, trx.Kind, common.ErrorInternal)
	}
	return trx, nil
}

func (s *MemoryLedger) append(userID string, kind models.TransactionKind,
	amount, balanceAfter models.Cents, description string, settled bool) *models.CreditTransaction {

	trx := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		Settled:      settled,
		CreatedAt:    time.Now(),
	}
	s.transactions[trx.ID] = trx
	return trx
}
