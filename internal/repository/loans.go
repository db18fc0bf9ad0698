package repository

import (
	"database/sql"
	"fmt"

	"github.com/Dan9191/loan-service/internal/models"
)

func (t *pgTx) GetClient(id int64) (*models.Client, error) {
	c := &models.Client{}
	query := `
		SELECT id, dni, first_name, last_name, email, status, created_at
		FROM loans.clients
		WHERE id = $1`
	err := t.tx.QueryRowContext(t.ctx, query, id).
		Scan(&c.ID, &c.DNI, &c.FirstName, &c.LastName, &c.Email, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "client", id)
	}
	return c, nil
}

func (t *pgTx) SetClientStatus(id int64, status models.ClientStatus) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE loans.clients SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update client %d status: %w", id, err)
	}
	return expectOne(res, "client", id)
}

const loanColumns = `id, client_id, advisor_id, group_id, product_id, principal, interest_rate, total,
	installment_count, installment_value, frequency, modality, start_date, generation_date,
	disbursed_from, status, created_at, updated_at`

func scanLoan(row scanner) (*models.Loan, error) {
	l := &models.Loan{}
	err := row.Scan(&l.ID, &l.ClientID, &l.AdvisorID, &l.GroupID, &l.ProductID, &l.Principal,
		&l.InterestRate, &l.Total, &l.InstallmentCount, &l.InstallmentValue, &l.Frequency,
		&l.Modality, &l.StartDate, &l.GenerationDate, &l.DisbursedFrom, &l.Status,
		&l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (t *pgTx) GetLoan(id int64) (*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans.loans WHERE id = $1`
	l, err := scanLoan(t.tx.QueryRowContext(t.ctx, query, id))
	if err != nil {
		return nil, notFound(err, "loan", id)
	}
	return l, nil
}

func (t *pgTx) queryLoans(query string, args ...any) ([]*models.Loan, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (t *pgTx) ListLoansByClient(clientID int64) ([]*models.Loan, error) {
	return t.queryLoans(`SELECT `+loanColumns+` FROM loans.loans WHERE client_id = $1 ORDER BY id`, clientID)
}

func (t *pgTx) ListLoansByGroup(groupID int64) ([]*models.Loan, error) {
	return t.queryLoans(`SELECT `+loanColumns+` FROM loans.loans WHERE group_id = $1 ORDER BY id`, groupID)
}

func (t *pgTx) ListActiveLoans() ([]*models.Loan, error) {
	return t.queryLoans(`SELECT `+loanColumns+` FROM loans.loans WHERE status = $1 ORDER BY id`, models.LoanActive)
}

func (t *pgTx) CreateLoan(l *models.Loan) error {
	query := `
		INSERT INTO loans.loans (client_id, advisor_id, group_id, product_id, principal, interest_rate,
			total, installment_count, installment_value, frequency, modality, start_date,
			generation_date, disbursed_from, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`
	err := t.tx.QueryRowContext(t.ctx, query, l.ClientID, l.AdvisorID, l.GroupID, l.ProductID,
		l.Principal, l.InterestRate, l.Total, l.InstallmentCount, l.InstallmentValue, l.Frequency,
		l.Modality, l.StartDate, l.GenerationDate, l.DisbursedFrom, l.Status).
		Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateLoan(l *models.Loan) error {
	query := `
		UPDATE loans.loans
		SET principal = $2, interest_rate = $3, total = $4, installment_count = $5,
			installment_value = $6, modality = $7, start_date = $8, status = $9,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`
	err := t.tx.QueryRowContext(t.ctx, query, l.ID, l.Principal, l.InterestRate, l.Total,
		l.InstallmentCount, l.InstallmentValue, l.Modality, l.StartDate, l.Status).
		Scan(&l.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("loan %d: %w", l.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update loan %d: %w", l.ID, err)
	}
	return nil
}

func (t *pgTx) LatestLoanState(loanID int64) (*models.LoanState, error) {
	s := &models.LoanState{}
	query := `
		SELECT id, loan_id, state, reschedule_count, refinance_count, updated_on, observation,
			user_id, created_at
		FROM loans.loan_states
		WHERE loan_id = $1
		ORDER BY id DESC
		LIMIT 1`
	err := t.tx.QueryRowContext(t.ctx, query, loanID).
		Scan(&s.ID, &s.LoanID, &s.State, &s.RescheduleCount, &s.RefinanceCount, &s.UpdatedOn,
			&s.Observation, &s.UserID, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err, "state history of loan", loanID)
	}
	return s, nil
}

func (t *pgTx) CreateLoanState(s *models.LoanState) error {
	query := `
		INSERT INTO loans.loan_states (loan_id, state, reschedule_count, refinance_count, updated_on,
			observation, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		RETURNING id, created_at`
	err := t.tx.QueryRowContext(t.ctx, query, s.LoanID, s.State, s.RescheduleCount,
		s.RefinanceCount, s.UpdatedOn, s.Observation, s.UserID).
		Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record state of loan %d: %w", s.LoanID, err)
	}
	return nil
}
