package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/models"
	"github.com/shopspring/decimal"
)

func (t *pgTx) ListPayments(installmentID int64) ([]*models.Payment, error) {
	query := `
		SELECT id, installment_id, amount_paid, surplus, paid_on, operation_ref, modality, proof_key,
			notes, user_id, created_at
		FROM loans.payments
		WHERE installment_id = $1
		ORDER BY id`
	rows, err := t.tx.QueryContext(t.ctx, query, installmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments of installment %d: %w", installmentID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p := &models.Payment{}
		if err := rows.Scan(&p.ID, &p.InstallmentID, &p.AmountPaid, &p.Surplus, &p.PaidOn,
			&p.OperationRef, &p.Modality, &p.ProofKey, &p.Notes, &p.UserID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (t *pgTx) CreatePayment(p *models.Payment) error {
	query := `
		INSERT INTO loans.payments (installment_id, amount_paid, surplus, paid_on, operation_ref,
			modality, proof_key, notes, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
		RETURNING id, created_at`
	err := t.tx.QueryRowContext(t.ctx, query, p.InstallmentID, p.AmountPaid, p.Surplus, p.PaidOn,
		p.OperationRef, p.Modality, p.ProofKey, p.Notes, p.UserID).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePayment(p *models.Payment) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE loans.payments SET surplus = $2, notes = $3 WHERE id = $1`, p.ID, p.Surplus, p.Notes)
	if err != nil {
		return fmt.Errorf("failed to update payment %d: %w", p.ID, err)
	}
	return expectOne(res, "payment", p.ID)
}

func (t *pgTx) DeletePayment(id int64) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM loans.payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment %d: %w", id, err)
	}
	return expectOne(res, "payment", id)
}

// LateFeeRows loads the late-fee table with one amount per principal tier
func (r *Repository) LateFeeRows(ctx context.Context) ([]models.LateFeeRow, error) {
	columns := make([]string, len(latefee.Tiers))
	for i, tr := range latefee.Tiers {
		columns[i] = "t_" + tr.Key
	}
	query := `SELECT bucket, ` + strings.Join(columns, ", ") + ` FROM loans.late_fee_rates`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load late fee rates: %w", err)
	}
	defer rows.Close()

	var out []models.LateFeeRow
	for rows.Next() {
		var bucket string
		amounts := make([]decimal.Decimal, len(latefee.Tiers))
		dest := []any{&bucket}
		for i := range amounts {
			dest = append(dest, &amounts[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan late fee row: %w", err)
		}

		row := models.LateFeeRow{Bucket: bucket, Amounts: make(map[string]decimal.Decimal, len(amounts))}
		for i, tr := range latefee.Tiers {
			row.Amounts[tr.Key] = amounts[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.log.Infof("Loaded %d late fee buckets", len(out))
	return out, nil
}
