package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schema string

// Store runs units of work inside a transaction
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a transaction
type Tx interface {
	// LockLoan serializes writers of one loan until the transaction ends.
	LockLoan(loanID int64) error
	// LockClient serializes loan origination for one client until the transaction ends.
	LockClient(clientID int64) error

	GetClient(id int64) (*models.Client, error)
	SetClientStatus(id int64, status models.ClientStatus) error

	GetLoan(id int64) (*models.Loan, error)
	ListLoansByClient(clientID int64) ([]*models.Loan, error)
	ListLoansByGroup(groupID int64) ([]*models.Loan, error)
	ListActiveLoans() ([]*models.Loan, error)
	CreateLoan(loan *models.Loan) error
	UpdateLoan(loan *models.Loan) error

	// ListInstallments returns a loan's installments ordered by number.
	ListInstallments(loanID int64) ([]*models.Installment, error)
	GetInstallment(id int64) (*models.Installment, error)
	CreateInstallment(inst *models.Installment) error
	UpdateInstallment(inst *models.Installment) error

	// ListPayments returns an installment's payments ordered by id.
	ListPayments(installmentID int64) ([]*models.Payment, error)
	CreatePayment(p *models.Payment) error
	UpdatePayment(p *models.Payment) error
	DeletePayment(id int64) error

	// LatestLoanState returns the history row with the greatest id.
	LatestLoanState(loanID int64) (*models.LoanState, error)
	CreateLoanState(state *models.LoanState) error
}

type committedError struct {
	err error
}

func (e *committedError) Error() string { return e.err.Error() }
func (e *committedError) Unwrap() error { return e.err }

// CommitWith makes WithTx commit the writes done so far and still return err
func CommitWith(err error) error {
	return &committedError{err: err}
}

// Committed reports whether err asks for the transaction to be committed, and unwraps it
func Committed(err error) (bool, error) {
	var ce *committedError
	if errors.As(err, &ce) {
		return true, ce.err
	}
	return false, err
}

// Repository provides database operations
type Repository struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewRepository initializes a new repository
func NewRepository(db *sql.DB, log *logrus.Logger) *Repository {
	return &Repository{db: db, log: log}
}

// Migrate creates the schema if it does not exist
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing when it returns nil
func (r *Repository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: sqlTx}); err != nil {
		commit, cause := Committed(err)
		if !commit {
			return err
		}
		if commitErr := sqlTx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
		return cause
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

const (
	lockNamespaceLoan   int64 = 1 << 48
	lockNamespaceClient int64 = 2 << 48
)

func (t *pgTx) LockLoan(loanID int64) error {
	if _, err := t.tx.ExecContext(t.ctx, `SELECT pg_advisory_xact_lock($1)`, lockNamespaceLoan|loanID); err != nil {
		return fmt.Errorf("failed to lock loan %d: %w", loanID, err)
	}
	return nil
}

func (t *pgTx) LockClient(clientID int64) error {
	if _, err := t.tx.ExecContext(t.ctx, `SELECT pg_advisory_xact_lock($1)`, lockNamespaceClient|clientID); err != nil {
		return fmt.Errorf("failed to lock client %d: %w", clientID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to find %s %d: %w", what, id, err)
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
