package service

import (
	"context"
	"testing"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOutstandingInstallments(t *testing.T) {
	env, client, loan := newLoanEnv(t)
	env.clock.Set(at(2026, time.February, 5, 10, 0))

	_, err := pay(env, loan.Installments[0], client.ID, "300")
	require.NoError(t, err)
	_, err = submitElectronic(env, t, loan.Installments[2], client.ID, "277.75")
	require.NoError(t, err)

	views, err := env.svc.GetOutstandingInstallments(context.Background(), client.ID)
	require.NoError(t, err)
	require.Len(t, views, 3)

	assert.Equal(t, loan.Installments[1].ID, views[0].ID)
	assert.True(t, dec("255.50").Equal(views[0].Evaluation.AmountDue), views[0].Evaluation.AmountDue.String())
	assert.True(t, views[0].PriorSurplus.IsZero())

	assert.Equal(t, models.InstallmentPrepaid, views[1].State)
	assert.True(t, views[1].Evaluation.AmountDue.IsZero())
	assert.Equal(t, models.PaymentElectronic, views[1].PaidBy)

	_, err = env.svc.GetOutstandingInstallments(context.Background(), 4242)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestOutstandingInstallmentsMaterializeCharges(t *testing.T) {
	env, client, loan := newLoanEnv(t)
	env.clock.Set(at(2026, time.February, 13, 10, 0))

	views, err := env.svc.GetOutstandingInstallments(context.Background(), client.ID)
	require.NoError(t, err)
	require.Len(t, views, 4)
	assert.Equal(t, 3, views[0].Evaluation.OverdueDays)
	assert.True(t, dec("284.75").Equal(views[0].Evaluation.AmountDue), views[0].Evaluation.AmountDue.String())

	stored := env.installment(t, loan.Installments[0].ID)
	assert.Equal(t, models.InstallmentOverdue, stored.State)
	assert.True(t, dec("7").Equal(stored.LateCharge))
}

func TestListPaidInstallments(t *testing.T) {
	env, client, loan := newLoanEnv(t)
	env.clock.Set(at(2026, time.February, 5, 10, 0))

	for _, inst := range loan.Installments[:2] {
		_, err := pay(env, inst, client.ID, "277.75")
		require.NoError(t, err)
	}

	views, err := env.svc.ListPaidInstallments(context.Background(), client.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, loan.Installments[1].ID, views[0].ID, "latest due first")
	assert.Equal(t, models.PaymentInPerson, views[0].PaidBy)
	assert.True(t, dec("277.75").Equal(views[0].PaidSoFar))
}

func TestGetLoan(t *testing.T) {
	env, client, loan := newLoanEnv(t)

	view, err := env.svc.GetLoan(context.Background(), loan.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, client.ID, view.Client.ID)
	assert.Equal(t, models.HistoryCurrent, view.State.State)
	assert.Len(t, view.Installments, 4)

	_, err = env.svc.GetLoan(context.Background(), 9999)
	assert.Equal(t, KindNotFound, KindOf(err))
}
