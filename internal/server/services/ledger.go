// Package services contains server-side business logic. This file implements
// the credit ledger: balance queries with lazy account creation, reservation
// of funds at admission, and the commit/refund settlement of a reservation
// once a task finishes.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/dbx"
	"github.com/asmolin/cloudvert/internal/server/models"
	"github.com/asmolin/cloudvert/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// CreditLedger owns per-user balances. Every mutation runs in a transaction
// that first takes a row lock on the account, so concurrent reservations,
// grants and refunds for the same user are serialized and never lose an
// update. Reservations decrement the balance immediately; commit marks them
// spent without touching the balance, refund returns part or all of the hold.
type CreditLedger struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	startingGrant models.Cents
}

// NewCreditLedger constructs a ledger over the given database handle.
// startingGrant is credited to accounts created lazily on first contact.
func NewCreditLedger(db *sql.DB, m repomanager.RepositoryManager, startingGrant models.Cents) *CreditLedger {
	return &CreditLedger{db: db, repomanager: m, startingGrant: startingGrant}
}

// GetBalance returns the user's account, creating it with the starting grant
// on first contact.
func (s *CreditLedger) GetBalance(ctx context.Context, userID string) (*models.CreditAccount, error) {
	var acct *models.CreditAccount
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		acct, err = s.ensureAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Grant adds funds unconditionally. Used for manual top-ups and for the
// payment collaborator's completion callback.
func (s *CreditLedger) Grant(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, common.ErrorInvalidAmount
	}

	var trx *models.CreditTransaction
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		acct, err := s.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance := acct.Balance + amount
		if err := s.repomanager.Accounts(tx).UpdateBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		trx, err = s.append(ctx, tx, userID, models.TransactionGrant, amount, newBalance, description)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trx, nil
}

// Deduct removes funds after an availability check. It is the one-shot form
// of reserve-and-commit used by the manual deduct endpoint; the ledger row is
// recorded as an already-settled reservation.
func (s *CreditLedger) Deduct(ctx context.Context, userID string, amount models.Cents, description string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, common.ErrorInvalidAmount
	}

	var trx *models.CreditTransaction
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		acct, err := s.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return common.ErrorInsufficientCredits
		}
		newBalance := acct.Balance - amount
		if err := s.repomanager.Accounts(tx).UpdateBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		trx = &models.CreditTransaction{
			ID:           uuid.NewString(),
			UserID:       userID,
			Kind:         models.TransactionReserve,
			Amount:       amount,
			BalanceAfter: newBalance,
			Description:  description,
			Settled:      true,
		}
		return s.repomanager.Transactions(tx).Append(ctx, trx)
	})
	if err != nil {
		return nil, err
	}
	return trx, nil
}

// Reserve atomically checks funds and places a hold. On success the balance
// is already decremented and the returned reservation id can later be
// committed and/or refunded. Insufficient balance fails fast with no state
// change.
func (s *CreditLedger) Reserve(ctx context.Context, userID string, amount models.Cents, description string) (string, error) {
	if amount <= 0 {
		return "", common.ErrorInvalidAmount
	}

	var reservationID string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		acct, err := s.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return common.ErrorInsufficientCredits
		}
		newBalance := acct.Balance - amount
		if err := s.repomanager.Accounts(tx).UpdateBalance(ctx, userID, newBalance); err != nil {
			return err
		}
		trx, err := s.append(ctx, tx, userID, models.TransactionReserve, amount, newBalance, description)
		if err != nil {
			return err
		}
		reservationID = trx.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return reservationID, nil
}

// Commit marks a reservation as spent. The balance was already decremented
// at reserve time, so no balance change happens here. A second commit of the
// same reservation is a no-op.
//
// An unknown reservation id is a caller bug, not a user-facing condition.
func (s *CreditLedger) Commit(ctx context.Context, reservationID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		trx, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if trx.Settled {
			return nil
		}
		if err := s.repomanager.Transactions(tx).MarkSettled(ctx, reservationID); err != nil {
			return err
		}
		acct, err := s.repomanager.Accounts(tx).GetForUpdate(ctx, trx.UserID)
		if err != nil {
			return err
		}
		_, err = s.append(ctx, tx, trx.UserID, models.TransactionCommit,
			trx.Amount-trx.Refunded, acct.Balance, "reservation "+reservationID)
		return err
	})
}

// Refund returns amount cents of an unsettled reservation to the balance.
// amount must not exceed what is still held. A reservation that was already
// settled or refunded is left untouched, so a duplicate refund call changes
// the balance only once.
func (s *CreditLedger) Refund(ctx context.Context, reservationID string, amount models.Cents) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return common.ErrorInvalidAmount
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		trx, err := s.findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if trx.Settled || trx.Refunded > 0 {
			return nil
		}
		if amount > trx.Amount {
			return common.ErrorInvalidAmount
		}
		acct, err := s.repomanager.Accounts(tx).GetForUpdate(ctx, trx.UserID)
		if err != nil {
			return err
		}
		newBalance := acct.Balance + amount
		if err := s.repomanager.Accounts(tx).UpdateBalance(ctx, trx.UserID, newBalance); err != nil {
			return err
		}
		if err := s.repomanager.Transactions(tx).AddRefunded(ctx, reservationID, amount); err != nil {
			return err
		}
		_, err = s.append(ctx, tx, trx.UserID, models.TransactionRefund,
			amount, newBalance, "reservation "+reservationID)
		return err
	})
}

// Transactions returns the most recent ledger entries for a user.
func (s *CreditLedger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return s.repomanager.Transactions(s.db).ListByUser(ctx, userID, limit)
}

// --- helpers below ---

func (s *CreditLedger) ensureAccount(ctx context.Context, tx dbx.DBTX, userID string) (*models.CreditAccount, error) {
	repo := s.repomanager.Accounts(tx)
	acct, err := repo.GetForUpdate(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	acct, err = repo.Create(ctx, userID, s.startingGrant)
	if err != nil {
		return nil, err
	}
	if s.startingGrant > 0 {
		if _, err := s.append(ctx, tx, userID, models.TransactionGrant,
			s.startingGrant, s.startingGrant, "starting grant"); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

func (s *CreditLedger) findReservation(ctx context.Context, tx dbx.DBTX, reservationID string) (*models.CreditTransaction, error) {
	trx, err := s.repomanager.Transactions(tx).Find(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("looking up reservation %s: %w", reservationID, err)
	}
	if trx.Kind != models.TransactionReserve {
		return nil, fmt.Errorf("transaction %s is %s, not a reservation: %w",
			reservationID, trx.Kind, common.ErrorInternal)
	}
	return trx, nil
}

func (s *CreditLedger) append(ctx context.Context, tx dbx.DBTX, userID string,
	kind models.TransactionKind, amount, balanceAfter models.Cents, description string) (*models.CreditTransaction, error) {

	trx := &models.CreditTransaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
	}
	if err := s.repomanager.Transactions(tx).Append(ctx, trx); err != nil {
		return nil, err
	}
	return trx, nil
}
