// Package repomanager builds repository instances over a shared database
// handle, so services can run the same repositories against *sql.DB or an
// open transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/asmolin/cloudvert/internal/dbx"
	"github.com/asmolin/cloudvert/internal/server/repositories/accounts"
	"github.com/asmolin/cloudvert/internal/server/repositories/transactions"
)

type RepositoryManager interface {
	Accounts(db dbx.DBTX) accounts.Repository
	Transactions(db dbx.DBTX) transactions.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
