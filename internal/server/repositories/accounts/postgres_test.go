package accounts

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/asmolin/cloudvert/internal/common"
	"github.com/asmolin/cloudvert/internal/server/models"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestGet_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+user_id,\s*balance_cents,\s*updated_at\s+FROM\s+accounts\s+WHERE\s+user_id\s*=\s*\$1\s*$`

	now := time.Now()
	rows := sqlmock.NewRows([]string{"user_id", "balance_cents", "updated_at"}).
		AddRow("u-1", int64(500), now)
	mock.ExpectQuery(q).WithArgs("u-1").WillReturnRows(rows)

	got, err := repo.Get(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.UserID != "u-1" || got.Balance != models.Cents(500) {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+user_id`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound, got %v", err)
	}
}

func TestGetForUpdate_LocksRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+user_id,\s*balance_cents,\s*updated_at\s+FROM\s+accounts\s+WHERE\s+user_id\s*=\s*\$1\s+FOR\s+UPDATE\s*$`

	rows := sqlmock.NewRows([]string{"user_id", "balance_cents", "updated_at"}).
		AddRow("u-1", int64(700), time.Now())
	mock.ExpectQuery(q).WithArgs("u-1").WillReturnRows(rows)

	got, err := repo.GetForUpdate(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("GetForUpdate error: %v", err)
	}
	if got.Balance != models.Cents(700) {
		t.Fatalf("unexpected balance: %d", got.Balance)
	}
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+accounts\s*\(user_id,\s*balance_cents,\s*updated_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*now\(\)\)\s*RETURNING\s+user_id,\s*balance_cents,\s*updated_at\s*$`

	rows := sqlmock.NewRows([]string{"user_id", "balance_cents", "updated_at"}).
		AddRow("u-2", int64(500), time.Now())
	mock.ExpectQuery(q).WithArgs("u-2", int64(500)).WillReturnRows(rows)

	got, err := repo.Create(context.Background(), "u-2", models.Cents(500))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if got.UserID != "u-2" || got.Balance != models.Cents(500) {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestUpdateBalance_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^UPDATE\s+accounts\s+SET\s+balance_cents\s*=\s*\$2,\s*updated_at\s*=\s*now\(\)\s+WHERE\s+user_id\s*=\s*\$1\s*$`

	mock.ExpectExec(q).WithArgs("u-1", int64(200)).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateBalance(context.Background(), "u-1", models.Cents(200)); err != nil {
		t.Fatalf("UpdateBalance error: %v", err)
	}
}

func TestUpdateBalance_MissingRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+accounts`).WithArgs("nobody", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateBalance(context.Background(), "nobody", models.Cents(200))
	if !errors.Is(err, common.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound, got %v", err)
	}
}
