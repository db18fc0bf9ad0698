package repository

import (
	"database/sql"
	"fmt"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/lib/pq"
)

const installmentColumns = `id, loan_id, number, amount, capital, other_charges, interest, due_date,
	state, overdue_days, late_charge, surcharge_applied, surcharge_applied_at, late_fee_applied,
	late_fee_applied_at, reduced_percent, reduction_applied, notes, created_at, updated_at`

func scanInstallment(row scanner) (*models.Installment, error) {
	i := &models.Installment{}
	err := row.Scan(&i.ID, &i.LoanID, &i.Number, &i.Amount, &i.Capital, &i.OtherCharges,
		&i.Interest, &i.DueDate, &i.State, &i.OverdueDays, &i.LateCharge, &i.SurchargeApplied,
		&i.SurchargeAppliedAt, &i.LateFeeApplied, &i.LateFeeAppliedAt, &i.ReducedPercent,
		&i.ReductionApplied, &i.Notes, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

func (t *pgTx) ListInstallments(loanID int64) ([]*models.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM loans.installments WHERE loan_id = $1 ORDER BY number`
	rows, err := t.tx.QueryContext(t.ctx, query, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list installments of loan %d: %w", loanID, err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

func (t *pgTx) GetInstallment(id int64) (*models.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM loans.installments WHERE id = $1`
	inst, err := scanInstallment(t.tx.QueryRowContext(t.ctx, query, id))
	if err != nil {
		return nil, notFound(err, "installment", id)
	}
	return inst, nil
}

func (t *pgTx) CreateInstallment(i *models.Installment) error {
	query := `
		INSERT INTO loans.installments (loan_id, number, amount, capital, other_charges, interest,
			due_date, state, overdue_days, late_charge, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`
	err := t.tx.QueryRowContext(t.ctx, query, i.LoanID, i.Number, i.Amount, i.Capital,
		i.OtherCharges, i.Interest, i.DueDate, i.State, i.OverdueDays, i.LateCharge, i.Notes).
		Scan(&i.ID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("installment %d of loan %d already exists: %w", i.Number, i.LoanID, err)
		}
		return fmt.Errorf("failed to create installment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstallment(i *models.Installment) error {
	query := `
		UPDATE loans.installments
		SET amount = $2, capital = $3, other_charges = $4, interest = $5, due_date = $6, state = $7,
			overdue_days = $8, late_charge = $9, surcharge_applied = $10, surcharge_applied_at = $11,
			late_fee_applied = $12, late_fee_applied_at = $13, reduced_percent = $14,
			reduction_applied = $15, notes = $16, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`
	err := t.tx.QueryRowContext(t.ctx, query, i.ID, i.Amount, i.Capital, i.OtherCharges,
		i.Interest, i.DueDate, i.State, i.OverdueDays, i.LateCharge, i.SurchargeApplied,
		i.SurchargeAppliedAt, i.LateFeeApplied, i.LateFeeAppliedAt, i.ReducedPercent,
		i.ReductionApplied, i.Notes).
		Scan(&i.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("installment %d: %w", i.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update installment %d: %w", i.ID, err)
	}
	return nil
}
