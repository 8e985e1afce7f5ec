package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/ledger"
)

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.FineRate = decimal.Zero
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.FineRate = decimal.NewFromInt(2)
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.BatchConcurrency = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.ArrestThresholdDays = -1
	assert.ErrorIs(t, p.Validate(), ledger.ErrValidation)
}

func TestPolicy_WithDefaults(t *testing.T) {
	assert.Equal(t, DefaultPolicy(), Policy{}.withDefaults())

	p := Policy{FineGraceDays: 0, ArrestThresholdDays: 45}.withDefaults()
	assert.Equal(t, 4, p.BatchConcurrency)
	assert.Equal(t, "0.3", p.FineRate.String())
	assert.Equal(t, 45, p.ArrestThresholdDays)
	assert.Equal(t, 0, p.FineGraceDays)
	require.NoError(t, p.Validate())
}

func TestPolicy_FineOnOutstandingRentOnly(t *testing.T) {
	now := time.Now()
	rent := ledger.NewCharge(decimal.NewFromInt(1000), now)
	rent.Apply(decimal.NewFromInt(333), now)
	items := []ledger.LineItem{
		{Kind: ledger.ItemRent, Charge: rent},
		{Kind: ledger.ItemOperationFee, Charge: ledger.NewCharge(decimal.NewFromInt(100), now)},
		{Kind: ledger.ItemVAT, Charge: ledger.NewCharge(decimal.NewFromInt(110), now)},
	}

	// 667 * 0.30 = 200.10
	assert.Equal(t, "200.10", DefaultPolicy().fineOn(items).StringFixed(2))
}

func TestPolicy_PastGrace(t *testing.T) {
	p := DefaultPolicy()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, p.pastGrace(created, created.AddDate(0, 0, 15)))
	assert.True(t, p.pastGrace(created, created.AddDate(0, 0, 15).Add(time.Second)))
}

func TestShopLocks_SerializeSameShop(t *testing.T) {
	locks := newShopLocks()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("S1")
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, locks.locks, "idle locks are released")
}

func TestShopLocks_DifferentShopsDoNotBlock(t *testing.T) {
	locks := newShopLocks()
	unlockA := locks.lock("A")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.lock("B")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on B waited for A")
	}
}
