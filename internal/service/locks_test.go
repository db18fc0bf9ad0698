package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dan9191/loan-service/internal/models"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		counter int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(loanKey(1))
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, k.locks, "released keys are forgotten")
}

func TestKeyedMutexSeparatesKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(loanKey(1))

	done := make(chan struct{})
	go func() {
		k.Lock(loanKey(2))()
		k.Lock(clientKey(1))()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a held loan lock blocked other keys")
	}

	blocked := make(chan struct{})
	go func() {
		k.Lock(loanKey(1))()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("the same key was handed out twice")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("waiter never got the released key")
	}
}

func TestMemStoreDetectsConcurrentWrites(t *testing.T) {
	env := newTestEnv(t, at(2026, time.January, 10, 9, 0))
	client := env.addClient(t, models.ClientActive)

	err := env.store.WithTx(context.Background(), func(tx repository.Tx) error {
		if err := tx.SetClientStatus(client.ID, models.ClientInactive); err != nil {
			return err
		}
		return env.store.WithTx(context.Background(), func(inner repository.Tx) error {
			return inner.SetClientStatus(client.ID, models.ClientDisabled)
		})
	})
	assert.ErrorIs(t, err, errWriteConflict)
	assert.Equal(t, models.ClientDisabled, env.store.snapshot().clients[client.ID].Status)
}

// TestConcurrentPaymentsOnNeighbours pays two neighbouring installments at once.
// Whichever runs first, the surplus of the first one is consumed at most once.
func TestConcurrentPaymentsOnNeighbours(t *testing.T) {
	original := dec("277.75")
	for round := 0; round < 25; round++ {
		env, client, loan := newLoanEnv(t)
		env.clock.Set(at(2026, time.February, 5, 10, 0))
		first, second := loan.Installments[0], loan.Installments[1]

		var (
			wg   sync.WaitGroup
			errs [2]error
		)
		start := make(chan struct{})
		for i, job := range []struct {
			inst   *models.Installment
			amount string
		}{{first, "300"}, {second, "277.75"}} {
			wg.Add(1)
			go func(i int, inst *models.Installment, amount string) {
				defer wg.Done()
				<-start
				_, errs[i] = pay(env, inst, client.ID, amount)
			}(i, job.inst, job.amount)
		}
		close(start)
		wg.Wait()
		require.NoError(t, errs[0], "round %d", round)
		require.NoError(t, errs[1], "round %d", round)

		// money in equals what settled installments were worth, what unpaid ones
		// were lowered by and what surplus is still parked on payments
		accounted := decimal.Zero
		for _, inst := range loan.Installments {
			stored := env.installment(t, inst.ID)
			if stored.State == models.InstallmentPaid {
				accounted = accounted.Add(original)
			} else {
				accounted = accounted.Add(original.Sub(stored.Amount))
			}
			for _, p := range env.payments(inst.ID) {
				accounted = accounted.Add(p.Surplus)
			}
		}
		assert.True(t, dec("577.75").Equal(accounted), "round %d: accounted %s", round, accounted)
		assert.Equal(t, models.InstallmentPaid, env.installment(t, first.ID).State)
		assert.Equal(t, models.InstallmentPaid, env.installment(t, second.ID).State)
	}
}
