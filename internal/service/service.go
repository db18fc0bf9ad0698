package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/receipt"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// FileStore keeps receipts and payment proofs
type FileStore interface {
	Save(ctx context.Context, key string, data []byte) error
	Open(key string) (io.ReadCloser, error)
	Remove(key string) error
	RemoveDir(dir string) error
	URL(key string) string
}

// Notifier tells clients about installments that became overdue
type Notifier interface {
	SendOverdueNotice(client *models.Client, loan *models.Loan, inst *models.Installment) error
}

// Deps are the collaborators the service calls out to
type Deps struct {
	Clock     clock.Clock
	Receipts  receipt.Renderer
	Schedules receipt.ScheduleRenderer // optional, no schedule document without it
	Files     FileStore
	Notifier  Notifier // optional
}

// Service handles business logic
type Service struct {
	store     repository.Store
	eval      *Evaluator
	clock     clock.Clock
	receipts  receipt.Renderer
	schedules receipt.ScheduleRenderer
	files     FileStore
	notifier  Notifier
	locks     *keyedMutex
	validate  *validator.Validate
	log       *logrus.Logger
}

// NewService initializes a new service
func NewService(store repository.Store, rates *latefee.Table, log *logrus.Logger, deps Deps) *Service {
	return &Service{
		store:     store,
		eval:      NewEvaluator(rates),
		clock:     deps.Clock,
		receipts:  deps.Receipts,
		schedules: deps.Schedules,
		files:     deps.Files,
		notifier:  deps.Notifier,
		locks:     newKeyedMutex(),
		validate:  validator.New(),
		log:       log,
	}
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return invalid(err)
	}
	return nil
}

// inLoan runs fn in a transaction holding the loan's lock, in process and in the database
func (s *Service) inLoan(ctx context.Context, loanID int64, fn func(tx repository.Tx) error) error {
	unlock := s.locks.Lock(loanKey(loanID))
	defer unlock()

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.LockLoan(loanID); err != nil {
			return err
		}
		return fn(tx)
	})
	return classify(err)
}

func (s *Service) loanOfInstallment(ctx context.Context, installmentID int64) (int64, error) {
	var loanID int64
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		inst, err := tx.GetInstallment(installmentID)
		if err != nil {
			return err
		}
		loanID = inst.LoanID
		return nil
	})
	return loanID, classify(err)
}

func (s *Service) inInstallmentLoan(ctx context.Context, installmentID int64, fn func(tx repository.Tx) error) error {
	loanID, err := s.loanOfInstallment(ctx, installmentID)
	if err != nil {
		return err
	}
	return s.inLoan(ctx, loanID, fn)
}

// loadInstallment materializes the installment's loan and returns the installment's position in it
func (s *Service) loadInstallment(tx repository.Tx, installmentID, clientID int64, now time.Time) (*models.Loan, []*models.Installment, int, error) {
	inst, err := tx.GetInstallment(installmentID)
	if err != nil {
		return nil, nil, 0, err
	}
	loan, err := tx.GetLoan(inst.LoanID)
	if err != nil {
		return nil, nil, 0, err
	}
	if clientID != 0 && loan.ClientID != clientID {
		return nil, nil, 0, business(ErrOwnership, "installment %d does not belong to client %d", installmentID, clientID)
	}

	installments, _, err := s.materializeLoan(tx, loan, now)
	if err != nil {
		return nil, nil, 0, err
	}
	for i, it := range installments {
		if it.ID == installmentID {
			return loan, installments, i, nil
		}
	}
	return nil, nil, 0, fmt.Errorf("installment %d: %w", installmentID, repository.ErrNotFound)
}

func (s *Service) latestState(tx repository.Tx, loanID int64) (*models.LoanState, error) {
	state, err := tx.LatestLoanState(loanID)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.LoanState{LoanID: loanID, State: models.HistoryCurrent}, nil
	}
	return state, err
}

// appendState records a transition in the loan's history
func (s *Service) appendState(tx repository.Tx, loanID int64, state models.HistoryState, userID int64,
	observation string, now time.Time, bump func(*models.LoanState)) (*models.LoanState, error) {
	latest, err := s.latestState(tx, loanID)
	if err != nil {
		return nil, err
	}
	next := latest.Next(state, userID, observation, now)
	if bump != nil {
		bump(next)
	}
	if err := tx.CreateLoanState(next); err != nil {
		return nil, err
	}
	return next, nil
}

// openCount counts installments still waiting for money or for confirmation
func openCount(installments []*models.Installment) int {
	n := 0
	for _, inst := range installments {
		if inst.State.Outstanding() || inst.State == models.InstallmentPrepaid {
			n++
		}
	}
	return n
}

func (s *Service) cancelLoan(tx repository.Tx, loan *models.Loan, userID int64, observation string, now time.Time) error {
	loan.Status = models.LoanCancelled
	if err := tx.UpdateLoan(loan); err != nil {
		return err
	}
	if _, err := s.appendState(tx, loan.ID, models.HistoryCancelled, userID, observation, now, nil); err != nil {
		return err
	}
	s.log.WithField("loan_id", loan.ID).Infof("Loan cancelled: %s", observation)
	return nil
}

// closeIfSettled cancels the loan once nothing is left to collect
func (s *Service) closeIfSettled(tx repository.Tx, loan *models.Loan, installments []*models.Installment, userID int64, now time.Time) (bool, error) {
	if openCount(installments) > 0 {
		return false, nil
	}
	if err := s.cancelLoan(tx, loan, userID, "Loan fully paid", now); err != nil {
		return false, err
	}
	return true, nil
}

// issueReceipt renders and stores the receipt of a payment, returning its key
func (s *Service) issueReceipt(ctx context.Context, tx repository.Tx, loan *models.Loan, inst *models.Installment,
	payment *models.Payment, now time.Time) (string, error) {
	client, err := tx.GetClient(loan.ClientID)
	if err != nil {
		return "", err
	}
	doc, err := s.receipts.Render(receipt.Data{
		Client:      client,
		Loan:        loan,
		Installment: inst,
		Payment:     payment,
		IssuedAt:    now,
	})
	if err != nil {
		return "", external(err, "failed to render receipt for payment %d", payment.ID)
	}
	key := receipt.Key(client.ID, loan.ID, inst.ID, payment.ID, payment.PaidOn)
	if err := s.files.Save(ctx, key, doc); err != nil {
		return "", external(err, "failed to store receipt for payment %d", payment.ID)
	}
	return key, nil
}

// issueSchedule renders and stores a loan's schedule document, returning its key.
// It returns an empty key when no schedule renderer is configured.
func (s *Service) issueSchedule(ctx context.Context, client *models.Client, loan *models.Loan,
	installments []*models.Installment, now time.Time) (string, error) {
	if s.schedules == nil {
		return "", nil
	}
	doc, err := s.schedules.RenderSchedule(receipt.ScheduleData{
		Client:       client,
		Loan:         loan,
		Installments: installments,
		IssuedAt:     now,
	})
	if err != nil {
		return "", external(err, "failed to render schedule of loan %d", loan.ID)
	}
	key := receipt.ScheduleKey(client.ID, loan.ID)
	if err := s.files.Save(ctx, key, doc); err != nil {
		return "", external(err, "failed to store schedule of loan %d", loan.ID)
	}
	return key, nil
}

// discard removes files written by a transaction that rolled back
func (s *Service) discard(keys []string) {
	for _, key := range keys {
		if err := s.files.Remove(key); err != nil {
			s.log.WithField("key", key).Warnf("Failed to remove orphaned file: %v", err)
		}
	}
}

func maxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func stamp(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}
