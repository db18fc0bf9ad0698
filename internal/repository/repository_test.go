package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"
)

// RepositorySuite runs against a disposable PostgreSQL database named by TEST_DB_DSN
type RepositorySuite struct {
	suite.Suite
	db   *sql.DB
	repo *Repository
	ctx  context.Context
}

func TestRepositorySuite(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	if strings.Contains(dsn, "/loans?") {
		t.Fatalf("refusing to run tests on dev database DSN: %s", dsn)
	}
	suite.Run(t, &RepositorySuite{})
}

func (s *RepositorySuite) SetupSuite() {
	db, err := sql.Open("postgres", os.Getenv("TEST_DB_DSN"))
	s.Require().NoError(err)
	s.Require().NoError(db.Ping())

	logger, _ := test.NewNullLogger()
	s.db = db
	s.repo = NewRepository(db, logger)
	s.ctx = context.Background()
	s.Require().NoError(s.repo.Migrate(s.ctx))
}

func (s *RepositorySuite) TearDownSuite() {
	s.db.Close()
}

func (s *RepositorySuite) SetupTest() {
	_, err := s.db.Exec(`
TRUNCATE TABLE
  loans.payments,
  loans.installments,
  loans.loan_states,
  loans.loans,
  loans.clients,
  loans.late_fee_rates
RESTART IDENTITY
CASCADE;`)
	s.Require().NoError(err)
}

func (s *RepositorySuite) insertClient(dni string) int64 {
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO loans.clients (dni, first_name, last_name, email) VALUES ($1, 'Rosa', 'Quispe', 'rosa@example.com') RETURNING id`,
		dni).Scan(&id)
	s.Require().NoError(err)
	return id
}

func (s *RepositorySuite) newLoan(clientID int64) *models.Loan {
	return &models.Loan{
		ClientID:         clientID,
		AdvisorID:        7,
		Principal:        decimal.NewFromInt(1000),
		InterestRate:     decimal.NewFromInt(10),
		Total:            decimal.RequireFromString("1111"),
		InstallmentCount: 2,
		InstallmentValue: decimal.RequireFromString("555.50"),
		Frequency:        models.FrequencyMonthly,
		Modality:         models.ModalityNew,
		StartDate:        time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		GenerationDate:   time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		DisbursedFrom:    models.DisbursedPettyCash,
		Status:           models.LoanActive,
	}
}

func (s *RepositorySuite) TestLoanRoundTrip() {
	clientID := s.insertClient("40000001")

	var loanID int64
	err := s.repo.WithTx(s.ctx, func(tx Tx) error {
		s.Require().NoError(tx.LockClient(clientID))
		loan := s.newLoan(clientID)
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		loanID = loan.ID
		s.Require().NoError(tx.LockLoan(loan.ID))

		for n := 1; n <= 2; n++ {
			inst := &models.Installment{
				LoanID:       loan.ID,
				Number:       n,
				Amount:       decimal.RequireFromString("555.50"),
				Capital:      decimal.NewFromInt(500),
				OtherCharges: decimal.NewFromInt(5),
				Interest:     decimal.RequireFromString("50.50"),
				DueDate:      loan.StartDate.AddDate(0, n, 0),
				State:        models.InstallmentPending,
				LateCharge:   decimal.Zero,
			}
			if err := tx.CreateInstallment(inst); err != nil {
				return err
			}
		}
		return tx.CreateLoanState(&models.LoanState{
			LoanID: loan.ID, State: models.HistoryCurrent, UpdatedOn: time.Now(), UserID: 1,
		})
	})
	s.Require().NoError(err)

	err = s.repo.WithTx(s.ctx, func(tx Tx) error {
		loan, err := tx.GetLoan(loanID)
		s.Require().NoError(err)
		s.True(decimal.RequireFromString("1111").Equal(loan.Total))
		s.Nil(loan.GroupID)
		s.Equal(models.DisbursedPettyCash, loan.DisbursedFrom)

		installments, err := tx.ListInstallments(loanID)
		s.Require().NoError(err)
		s.Require().Len(installments, 2)
		s.Equal(1, installments[0].Number)
		s.Equal("2026-02-10", installments[0].DueDate.Format("2006-01-02"))

		active, err := tx.ListActiveLoans()
		s.Require().NoError(err)
		s.Len(active, 1)

		state, err := tx.LatestLoanState(loanID)
		s.Require().NoError(err)
		s.Equal(models.HistoryCurrent, state.State)
		return nil
	})
	s.Require().NoError(err)
}

func (s *RepositorySuite) TestListLoansByGroup() {
	group := int64(41)
	first, second, loner := s.insertClient("40000005"), s.insertClient("40000006"), s.insertClient("40000007")
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		for _, clientID := range []int64{first, second} {
			loan := s.newLoan(clientID)
			loan.GroupID = &group
			if err := tx.CreateLoan(loan); err != nil {
				return err
			}
		}
		return tx.CreateLoan(s.newLoan(loner))
	}))

	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		loans, err := tx.ListLoansByGroup(group)
		s.Require().NoError(err)
		s.Require().Len(loans, 2)
		s.Equal(first, loans[0].ClientID)
		s.Equal(second, loans[1].ClientID)
		s.Equal(group, *loans[1].GroupID)

		none, err := tx.ListLoansByGroup(group + 1)
		s.Require().NoError(err)
		s.Empty(none)
		return nil
	}))
}

func (s *RepositorySuite) TestDuplicateInstallmentNumber() {
	clientID := s.insertClient("40000002")
	err := s.repo.WithTx(s.ctx, func(tx Tx) error {
		loan := s.newLoan(clientID)
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		inst := &models.Installment{LoanID: loan.ID, Number: 1, Amount: decimal.NewFromInt(1),
			Capital: decimal.NewFromInt(1), Interest: decimal.Zero, DueDate: loan.StartDate, State: models.InstallmentPending}
		if err := tx.CreateInstallment(inst); err != nil {
			return err
		}
		dup := *inst
		return tx.CreateInstallment(&dup)
	})
	s.Require().Error(err)
	s.Contains(err.Error(), "already exists")
}

func (s *RepositorySuite) TestPaymentsOutliveTheirInstallmentState() {
	clientID := s.insertClient("40000003")
	var instID, paymentID int64
	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		loan := s.newLoan(clientID)
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		inst := &models.Installment{LoanID: loan.ID, Number: 1, Amount: decimal.NewFromInt(100),
			Capital: decimal.NewFromInt(100), Interest: decimal.Zero, DueDate: loan.StartDate, State: models.InstallmentPending}
		if err := tx.CreateInstallment(inst); err != nil {
			return err
		}
		instID = inst.ID
		payment := &models.Payment{InstallmentID: inst.ID, AmountPaid: decimal.NewFromInt(40),
			Surplus: decimal.Zero, PaidOn: time.Now(), Modality: models.PaymentInPerson, UserID: 1}
		if err := tx.CreatePayment(payment); err != nil {
			return err
		}
		paymentID = payment.ID
		return nil
	}))

	boom := errors.New("boom")
	err := s.repo.WithTx(s.ctx, func(tx Tx) error {
		if err := tx.DeletePayment(paymentID); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		payments, err := tx.ListPayments(instID)
		s.Require().NoError(err)
		s.Len(payments, 1, "rolled back delete keeps the payment")

		inst, err := tx.GetInstallment(instID)
		s.Require().NoError(err)
		inst.State = models.InstallmentRefinanced
		inst.Amount = decimal.NewFromInt(40)
		return tx.UpdateInstallment(inst)
	}))

	_, err = s.db.Exec(`DELETE FROM loans.installments WHERE id = $1`, instID)
	s.Error(err, "payments block deleting their installment")

	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		inst, err := tx.GetInstallment(instID)
		s.Require().NoError(err)
		s.Equal(models.InstallmentRefinanced, inst.State)
		payments, err := tx.ListPayments(instID)
		s.Require().NoError(err)
		s.Len(payments, 1)
		return nil
	}))
}

func (s *RepositorySuite) TestCommitWithKeepsWrites() {
	clientID := s.insertClient("40000004")
	limit := errors.New("limit")

	err := s.repo.WithTx(s.ctx, func(tx Tx) error {
		if err := tx.SetClientStatus(clientID, models.ClientDisabled); err != nil {
			return err
		}
		return CommitWith(limit)
	})
	s.ErrorIs(err, limit)

	s.Require().NoError(s.repo.WithTx(s.ctx, func(tx Tx) error {
		client, err := tx.GetClient(clientID)
		s.Require().NoError(err)
		s.Equal(models.ClientDisabled, client.Status)

		_, err = tx.GetClient(clientID + 1000)
		s.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func (s *RepositorySuite) TestLateFeeRows() {
	columns := []string{"bucket"}
	values := []string{"'1 día'"}
	for _, tr := range latefee.Tiers {
		columns = append(columns, "t_"+tr.Key)
		values = append(values, "5")
	}
	_, err := s.db.Exec(`INSERT INTO loans.late_fee_rates (` + strings.Join(columns, ", ") + `) VALUES (` + strings.Join(values, ", ") + `)`)
	s.Require().NoError(err)

	rows, err := s.repo.LateFeeRows(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("1 día", rows[0].Bucket)
	s.Len(rows[0].Amounts, len(latefee.Tiers))
	s.True(decimal.NewFromInt(5).Equal(rows[0].Amounts["5501_6000"]))
}
