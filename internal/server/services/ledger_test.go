package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/dbx"
	"github.com/asmolin/cloudvert/internal/server/models"
	accountsrepo "github.com/asmolin/cloudvert/internal/server/repositories/accounts"
	transactionsrepo "github.com/asmolin/cloudvert/internal/server/repositories/transactions"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

type fakeAccountsRepo struct {
	accounts map[string]*models.CreditAccount
}

func newFakeAccountsRepo() *fakeAccountsRepo {
	return &fakeAccountsRepo{accounts: map[string]*models.CreditAccount{}}
}

func (f *fakeAccountsRepo) Get(ctx context.Context, userID string) (*models.CreditAccount, error) {
	return f.GetForUpdate(ctx, userID)
}

func (f *fakeAccountsRepo) GetForUpdate(ctx context.Context, userID string) (*models.CreditAccount, error) {
	acct, ok := f.accounts[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *acct
	return &cp, nil
}

func (f *fakeAccountsRepo) Create(ctx context.Context, userID string, balance models.Cents) (*models.CreditAccount, error) {
	acct := &models.CreditAccount{UserID: userID, Balance: balance, UpdatedAt: time.Now()}
	f.accounts[userID] = acct
	cp := *acct
	return &cp, nil
}

func (f *fakeAccountsRepo) UpdateBalance(ctx context.Context, userID string, balance models.Cents) error {
	acct, ok := f.accounts[userID]
	if !ok {
		return common.ErrorNotFound
	}
	acct.Balance = balance
	return nil
}

type fakeTransactionsRepo struct {
	rows map[string]*models.CreditTransaction
}

func newFakeTransactionsRepo() *fakeTransactionsRepo {
	return &fakeTransactionsRepo{rows: map[string]*models.CreditTransaction{}}
}

func (f *fakeTransactionsRepo) Append(ctx context.Context, trx *models.CreditTransaction) error {
	cp := *trx
	f.rows[trx.ID] = &cp
	return nil
}

func (f *fakeTransactionsRepo) Find(ctx context.Context, id string) (*models.CreditTransaction, error) {
	trx, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *trx
	return &cp, nil
}

func (f *fakeTransactionsRepo) MarkSettled(ctx context.Context, id string) error {
	trx, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	trx.Settled = true
	return nil
}

func (f *fakeTransactionsRepo) AddRefunded(ctx context.Context, id string, amount models.Cents) error {
	trx, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	trx.Refunded += amount
	return nil
}

func (f *fakeTransactionsRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	var result []models.CreditTransaction
	for _, trx := range f.rows {
		if trx.UserID == userID {
			result = append(result, *trx)
		}
	}
	return result, nil
}

func (f *fakeTransactionsRepo) byKind(kind models.TransactionKind) []*models.CreditTransaction {
	var result []*models.CreditTransaction
	for _, trx := range f.rows {
		if trx.Kind == kind {
			result = append(result, trx)
		}
	}
	return result
}

type fakeRepoManager struct {
	a *fakeAccountsRepo
	t *fakeTransactionsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{a: newFakeAccountsRepo(), t: newFakeTransactionsRepo()}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error            { return nil }
func (m *fakeRepoManager) Accounts(db dbx.DBTX) accountsrepo.Repository            { return m.a }
func (m *fakeRepoManager) Transactions(db dbx.DBTX) transactionsrepo.Repository    { return m.t }

func newLedger(t *testing.T, db *sql.DB, rm *fakeRepoManager) *CreditLedger {
	t.Helper()
	return NewCreditLedger(db, rm, models.Cents(500))
}

// --- tests ---

func TestGetBalance_CreatesAccountWithStartingGrant(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	acct, err := s.GetBalance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if acct.Balance != models.Cents(500) {
		t.Fatalf("balance = %d, want 500", acct.Balance)
	}
	if got := rm.t.byKind(models.TransactionGrant); len(got) != 1 || got[0].Amount != 500 {
		t.Fatalf("expected one starting grant transaction, got %+v", got)
	}
}

func TestReserve_DecrementsBalance(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	// User with $5.00 reserving $3.00 ends at $2.00.
	id, err := s.Reserve(context.Background(), "u1", models.Cents(300), "task estimate")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a reservation id")
	}
	if got := rm.a.accounts["u1"].Balance; got != models.Cents(200) {
		t.Fatalf("balance = %d, want 200", got)
	}
}

func TestReserve_InsufficientFundsNoStateChange(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	s := NewCreditLedger(db, rm, models.Cents(100))

	_, err := s.Reserve(context.Background(), "u1", models.Cents(300), "")
	if !errors.Is(err, common.ErrorInsufficientCredits) {
		t.Fatalf("expected ErrorInsufficientCredits, got %v", err)
	}
	if got := rm.t.byKind(models.TransactionReserve); len(got) != 0 {
		t.Fatalf("expected no reserve rows after rejection, got %+v", got)
	}
}

func TestReserve_RejectsNonPositiveAmount(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	s := newLedger(t, db, newFakeRepoManager())

	if _, err := s.Reserve(context.Background(), "u1", 0, ""); !errors.Is(err, common.ErrorInvalidAmount) {
		t.Fatalf("expected ErrorInvalidAmount, got %v", err)
	}
}

func TestCommit_IsIdempotent(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	id, err := s.Reserve(context.Background(), "u1", models.Cents(300), "")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if err := s.Commit(context.Background(), id); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if err := s.Commit(context.Background(), id); err != nil {
		t.Fatalf("second Commit error: %v", err)
	}
	if got := rm.t.byKind(models.TransactionCommit); len(got) != 1 {
		t.Fatalf("expected exactly one commit row, got %d", len(got))
	}
	if got := rm.a.accounts["u1"].Balance; got != models.Cents(200) {
		t.Fatalf("commit must not change balance, got %d", got)
	}
}

func TestRefund_ReturnsFundsOnce(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	id, err := s.Reserve(context.Background(), "u1", models.Cents(300), "")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if err := s.Refund(context.Background(), id, models.Cents(75)); err != nil {
		t.Fatalf("Refund error: %v", err)
	}
	// Duplicate refund must change the balance only once.
	if err := s.Refund(context.Background(), id, models.Cents(75)); err != nil {
		t.Fatalf("second Refund error: %v", err)
	}
	if got := rm.a.accounts["u1"].Balance; got != models.Cents(275) {
		t.Fatalf("balance = %d, want 275", got)
	}
}

func TestRefund_RejectsOverRefund(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	id, err := s.Reserve(context.Background(), "u1", models.Cents(300), "")
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if err := s.Refund(context.Background(), id, models.Cents(301)); !errors.Is(err, common.ErrorInvalidAmount) {
		t.Fatalf("expected ErrorInvalidAmount, got %v", err)
	}
}

func TestCommit_UnknownReservation(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	s := newLedger(t, db, newFakeRepoManager())

	err := s.Commit(context.Background(), "no-such-id")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected wrapped ErrorNotFound, got %v", err)
	}
}

func TestCommit_GrantIsNotAReservation(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	trx, err := s.Grant(context.Background(), "u1", models.Cents(100), "top-up")
	if err != nil {
		t.Fatalf("Grant error: %v", err)
	}

	if err := s.Commit(context.Background(), trx.ID); !errors.Is(err, common.ErrorInternal) {
		t.Fatalf("expected ErrorInternal, got %v", err)
	}
}

func TestDeduct_ChecksBalance(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	s := newLedger(t, db, rm)

	if _, err := s.Deduct(context.Background(), "u1", models.Cents(400), "manual"); err != nil {
		t.Fatalf("Deduct error: %v", err)
	}
	if _, err := s.Deduct(context.Background(), "u1", models.Cents(400), "manual"); !errors.Is(err, common.ErrorInsufficientCredits) {
		t.Fatalf("expected ErrorInsufficientCredits, got %v", err)
	}
}
