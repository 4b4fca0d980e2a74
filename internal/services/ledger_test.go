package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
	"github.com/emilioale04/steam-clone-sub003/internal/clock"
	"github.com/emilioale04/steam-clone-sub003/internal/logging"
	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store/memory"
)

const buyer = "66666666-6666-6666-6666-666666666666"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type ledgerFixture struct {
	svc   *LedgerService
	store *memory.Store
	clock *clock.Manual
	guard *MemoryGuard
}

func newLedgerFixture(t *testing.T, balance string, opts ...LedgerOption) ledgerFixture {
	t.Helper()
	st := memory.New()
	st.PutWallet(models.Wallet{AccountID: buyer, Balance: dec(balance), IsLimited: false})

	clk := clock.NewManual(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	guard := NewMemoryGuard(clk)
	opts = append([]LedgerOption{
		WithLedgerClock(clk),
		WithLedgerLogger(logging.Discard()),
		WithGuard(guard),
	}, opts...)

	svc := NewLedgerService(st, LedgerConfig{
		MaxDailyReload: dec("500.00"),
		Cooldown:       5 * time.Second,
		Location:       time.UTC,
	}, opts...)
	return ledgerFixture{svc: svc, store: st, clock: clk, guard: guard}
}

func (f ledgerFixture) balance(t *testing.T) string {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), buyer)
	require.NoError(t, err)
	return w.Balance.StringFixed(2)
}

func reload(amount, key string) ReloadRequest {
	return ReloadRequest{AccountID: buyer, Amount: dec(amount), IdempotencyKey: key}
}

func payment(amount, key string) PaymentRequest {
	ref := "game"
	return PaymentRequest{
		AccountID:      buyer,
		Amount:         dec(amount),
		Description:    "Compra de juego",
		ReferenceType:  &ref,
		IdempotencyKey: key,
	}
}

func TestReloadRepeatedKeyIsAlreadyProcessed(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	res, err := f.svc.ReloadWallet(ctx, reload("5.00", "key-1"))
	require.NoError(t, err)
	assert.Equal(t, "15.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, "15.00", f.balance(t))

	again, err := f.svc.ReloadWallet(ctx, reload("5.00", "key-1"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)
	require.NotNil(t, again, "the original result comes back with the error")
	assert.Equal(t, res.TransactionID, again.TransactionID)
	assert.Equal(t, "15.00", again.NewBalance.StringFixed(2))
	assert.Equal(t, "15.00", f.balance(t))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestReloadRejectsThreeDecimals(t *testing.T) {
	f := newLedgerFixture(t, "10.00")

	_, err := f.svc.ReloadWallet(context.Background(), reload("10.999", "key-x"))
	require.ErrorIs(t, err, apperr.ErrInvalidAmount)
	assert.Contains(t, apperr.MessageOf(err), "máximo 2 decimales")
	assert.Equal(t, "10.00", f.balance(t))
	assert.Empty(t, f.store.Transactions())
}

func TestLedgerValidation(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, payment("1.00", "  "))
	assert.ErrorIs(t, err, apperr.ErrMissingIdempotencyKey)

	_, err = f.svc.ReloadWallet(ctx, reload("1.00", ""))
	assert.ErrorIs(t, err, apperr.ErrMissingIdempotencyKey)

	for _, amount := range []string{"0", "-3.00"} {
		_, err = f.svc.ProcessPayment(ctx, payment(amount, "k"))
		assert.ErrorIs(t, err, apperr.ErrInvalidAmount, amount)
		_, err = f.svc.ReloadWallet(ctx, reload(amount, "k"))
		assert.ErrorIs(t, err, apperr.ErrInvalidAmount, amount)
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'k'
	}
	_, err = f.svc.ProcessPayment(ctx, payment("1.00", string(long)))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	assert.Equal(t, "10.00", f.balance(t))
	assert.Empty(t, f.store.Transactions())
}

func TestPaymentAppliedOnce(t *testing.T) {
	f := newLedgerFixture(t, "20.00")
	ctx := context.Background()

	res, err := f.svc.ProcessPayment(ctx, payment("7.50", "buy-1"))
	require.NoError(t, err)
	assert.Equal(t, "12.50", res.NewBalance.StringFixed(2))

	_, err = f.svc.ProcessPayment(ctx, payment("7.50", "buy-1"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)
	assert.Equal(t, "12.50", f.balance(t))

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionStatusCompleted, txs[0].Status)
	assert.Equal(t, "-7.50", txs[0].Amount.StringFixed(2))
	assert.Equal(t, models.TransactionTypePurchase, txs[0].Type)
	require.NotNil(t, txs[0].ReferenceType)
	assert.Equal(t, "game", *txs[0].ReferenceType)
	assert.NotNil(t, txs[0].CompletedAt)
}

func TestPaymentInsufficientFundsThenRetry(t *testing.T) {
	f := newLedgerFixture(t, "1.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, payment("5.00", "buy-2"))
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "1.00", f.balance(t))

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionStatusFailed, txs[0].Status)
	assert.Equal(t, "insufficient_funds", txs[0].FailureReason)

	_, err = f.svc.ReloadWallet(ctx, reload("10.00", "top-up"))
	require.NoError(t, err)

	res, err := f.svc.ProcessPayment(ctx, payment("5.00", "buy-2"))
	require.NoError(t, err, "a failed key may be retried")
	assert.Equal(t, "6.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, txs[0].ID, res.TransactionID, "the failed row is reused")
}

func TestPendingKeyInsideCooldown(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	now := f.clock.Now()
	require.NoError(t, f.store.CreateTransaction(ctx, &models.Transaction{
		ID:             "pending-1",
		AccountID:      buyer,
		IdempotencyKey: "buy-3",
		Type:           models.TransactionTypePurchase,
		Amount:         dec("-2.00"),
		Status:         models.TransactionStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	_, err := f.svc.ProcessPayment(ctx, payment("2.00", "buy-3"))
	assert.ErrorIs(t, err, apperr.ErrOperationInProgress)
	assert.Equal(t, "10.00", f.balance(t))

	f.clock.Advance(6 * time.Second)
	res, err := f.svc.ProcessPayment(ctx, payment("2.00", "buy-3"))
	require.NoError(t, err, "stale pending rows are retried")
	assert.Equal(t, "pending-1", res.TransactionID)
	assert.Equal(t, "8.00", f.balance(t))
}

func TestGuardBlocksDoubleSubmission(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	ok, err := f.guard.Acquire(ctx, buyer+":buy-4", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.ProcessPayment(ctx, payment("2.00", "buy-4"))
	assert.ErrorIs(t, err, apperr.ErrOperationInProgress)
	assert.Empty(t, f.store.Transactions())

	f.clock.Advance(5 * time.Second)
	_, err = f.svc.ProcessPayment(ctx, payment("2.00", "buy-4"))
	require.NoError(t, err)
}

func TestGuardReleasedAfterCompletion(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	_, err := f.svc.ProcessPayment(ctx, payment("1.00", "buy-5"))
	require.NoError(t, err)

	ok, err := f.guard.Acquire(ctx, buyer+":buy-5", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyReusedAcrossOperationTypes(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()

	_, err := f.svc.ReloadWallet(ctx, reload("5.00", "shared"))
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(ctx, payment("5.00", "shared"))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Equal(t, "15.00", f.balance(t))
}

func TestDailyReloadLimit(t *testing.T) {
	f := newLedgerFixture(t, "0.00")
	ctx := context.Background()

	_, err := f.svc.ReloadWallet(ctx, reload("300.00", "r1"))
	require.NoError(t, err)
	_, err = f.svc.ReloadWallet(ctx, reload("200.00", "r2"))
	require.NoError(t, err, "reaching the cap exactly is allowed")
	assert.Equal(t, "500.00", f.svc.GetDailyReloadTotal(ctx, buyer).StringFixed(2))

	_, err = f.svc.ReloadWallet(ctx, reload("0.01", "r3"))
	require.ErrorIs(t, err, apperr.ErrDailyLimitExceeded)
	assert.Contains(t, apperr.MessageOf(err), "500.00")
	assert.Equal(t, "500.00", f.balance(t))
	assert.Len(t, f.store.Transactions(), 2, "the rejected reload leaves no row")

	f.clock.Advance(9 * time.Hour) // past midnight UTC
	res, err := f.svc.ReloadWallet(ctx, reload("0.01", "r3"))
	require.NoError(t, err)
	assert.Equal(t, "500.01", res.NewBalance.StringFixed(2))
	assert.Equal(t, "0.01", f.svc.GetDailyReloadTotal(ctx, buyer).StringFixed(2))
}

func TestDailyReloadLimitProperty(t *testing.T) {
	cases := []struct {
		done   string
		amount string
		ok     bool
	}{
		{"0.00", "500.00", true},
		{"0.00", "500.01", false},
		{"499.99", "0.01", true},
		{"499.99", "0.02", false},
		{"250.00", "250.00", true},
		{"250.00", "300.00", false},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprintf("%s+%s", tc.done, tc.amount), func(t *testing.T) {
			f := newLedgerFixture(t, "1.00")
			ctx := context.Background()
			if d := dec(tc.done); d.IsPositive() {
				_, err := f.svc.ReloadWallet(ctx, reload(tc.done, "seed"))
				require.NoError(t, err)
			}
			before := dec(f.balance(t))

			_, err := f.svc.ReloadWallet(ctx, reload(tc.amount, fmt.Sprintf("case-%d", i)))
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, before.Add(dec(tc.amount)).StringFixed(2), f.balance(t))
			} else {
				require.ErrorIs(t, err, apperr.ErrDailyLimitExceeded)
				assert.Equal(t, before.StringFixed(2), f.balance(t))
			}
		})
	}
}

func TestDailyTotalFollowsLocalMidnight(t *testing.T) {
	ect := time.FixedZone("ECT", -5*60*60)
	st := memory.New()
	st.PutWallet(models.Wallet{AccountID: buyer, Balance: decimal.Zero})
	// 22:00 local on March 9.
	clk := clock.NewManual(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	svc := NewLedgerService(st, LedgerConfig{MaxDailyReload: dec("500.00"), Location: ect},
		WithLedgerClock(clk), WithLedgerLogger(logging.Discard()))
	ctx := context.Background()

	_, err := svc.ReloadWallet(ctx, reload("500.00", "late"))
	require.NoError(t, err)

	_, err = svc.ReloadWallet(ctx, reload("1.00", "still-same-day"))
	require.ErrorIs(t, err, apperr.ErrDailyLimitExceeded)

	clk.Advance(3 * time.Hour) // 01:00 local on March 10
	_, err = svc.ReloadWallet(ctx, reload("1.00", "next-day"))
	require.NoError(t, err)
}

func TestDailyTotalDegradesToZero(t *testing.T) {
	f := newLedgerFixture(t, "0.00")
	ctx := context.Background()

	_, err := f.svc.ReloadWallet(ctx, reload("20.00", "r1"))
	require.NoError(t, err)

	f.store.FailOn("SumCompletedReloads", errors.New("connection reset"))
	assert.True(t, f.svc.GetDailyReloadTotal(ctx, buyer).IsZero())

	_, err = f.svc.ReloadWallet(ctx, reload("1.00", "r2"))
	require.Error(t, err, "limit checks never trust the degraded value")
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.Equal(t, "20.00", f.balance(t))
}

func TestFallbackPathWhenAtomicUnavailable(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	f.store.DisableAtomic()
	ctx := context.Background()

	res, err := f.svc.ReloadWallet(ctx, reload("5.00", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "15.00", res.NewBalance.StringFixed(2))

	res, err = f.svc.ProcessPayment(ctx, payment("15.00", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "0.00", res.NewBalance.StringFixed(2))

	_, err = f.svc.ProcessPayment(ctx, payment("0.01", "p2"))
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = f.svc.ProcessPayment(ctx, payment("15.00", "p1"))
	assert.ErrorIs(t, err, apperr.ErrAlreadyProcessed)
	assert.Equal(t, "0.00", f.balance(t))
}

func TestConcurrentPaymentsNeverOverspend(t *testing.T) {
	for _, atomicPath := range []bool{true, false} {
		t.Run(fmt.Sprintf("atomic=%v", atomicPath), func(t *testing.T) {
			f := newLedgerFixture(t, "10.00")
			if !atomicPath {
				f.store.DisableAtomic()
			}
			ctx := context.Background()

			var wg sync.WaitGroup
			var mu sync.Mutex
			paid, refused := 0, 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := f.svc.ProcessPayment(ctx, payment("2.00", fmt.Sprintf("buy-%d", i)))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						paid++
					case errors.Is(err, apperr.ErrInsufficientFunds):
						refused++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 5, paid)
			assert.Equal(t, 5, refused)
			assert.Equal(t, "0.00", f.balance(t))
		})
	}
}

func TestConcurrentSameKeyAppliesOnce(t *testing.T) {
	f := newLedgerFixture(t, "0.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ReloadWallet(ctx, reload("5.00", "double-click"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, apperr.ErrAlreadyProcessed), errors.Is(err, apperr.ErrOperationInProgress):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, "5.00", f.balance(t))
	assert.Len(t, f.store.Transactions(), 1)
}

func TestStorageFailureMarksTransactionFailed(t *testing.T) {
	f := newLedgerFixture(t, "10.00")
	ctx := context.Background()
	f.store.FailOn("CompleteTransaction", errors.New("write timeout"))

	_, err := f.svc.ProcessPayment(ctx, payment("3.00", "buy-6"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindStorage, apperr.KindOf(err))
	assert.Equal(t, "10.00", f.balance(t), "the balance change rolls back with the row")

	txs := f.store.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, models.TransactionStatusFailed, txs[0].Status)

	f.store.FailOn("CompleteTransaction", nil)
	_, err = f.svc.ProcessPayment(ctx, payment("3.00", "buy-6"))
	require.NoError(t, err)
	assert.Equal(t, "7.00", f.balance(t))
}

func TestReloadUnlocksLimitedAccount(t *testing.T) {
	unlocked := make(chan UnlockResult, 1)
	st := memory.New()
	st.PutWallet(models.Wallet{AccountID: buyer, Balance: decimal.Zero, IsLimited: true})
	hook := NewLimitedAccountService(st, dec("5.00"), logging.Discard())
	svc := NewLedgerService(st, LedgerConfig{},
		WithLedgerLogger(logging.Discard()),
		WithUnlockHook(hook),
		WithUnlockObserver(func(_ string, res UnlockResult, err error) {
			assert.NoError(t, err)
			unlocked <- res
		}),
	)
	ctx := context.Background()

	_, err := svc.ReloadWallet(ctx, reload("2.00", "small"))
	require.NoError(t, err)
	assert.False(t, waitUnlock(t, unlocked).JustUnlocked)

	_, err = svc.ReloadWallet(ctx, reload("3.00", "enough"))
	require.NoError(t, err)
	assert.True(t, waitUnlock(t, unlocked).JustUnlocked)

	w, err := st.GetWallet(ctx, buyer)
	require.NoError(t, err)
	assert.False(t, w.IsLimited)

	_, err = svc.ReloadWallet(ctx, reload("1.00", "after"))
	require.NoError(t, err)
	assert.False(t, waitUnlock(t, unlocked).JustUnlocked, "only the crossing reload unlocks")
}

func waitUnlock(t *testing.T, ch <-chan UnlockResult) UnlockResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("unlock hook was not called")
		return UnlockResult{}
	}
}

func TestPaymentDoesNotNotifyUnlock(t *testing.T) {
	called := make(chan struct{}, 1)
	f := newLedgerFixture(t, "10.00", WithUnlockHook(NewLimitedAccountService(nil, decimal.Zero, nil)),
		WithUnlockObserver(func(string, UnlockResult, error) { called <- struct{}{} }))

	_, err := f.svc.ProcessPayment(context.Background(), payment("1.00", "buy-7"))
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("payments must not trigger the unlock hook")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetBalance(t *testing.T) {
	f := newLedgerFixture(t, "12.34")
	ctx := context.Background()

	b, err := f.svc.GetBalance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, "12.34", b.Balance.StringFixed(2))
	assert.False(t, b.IsLimited)

	b, err = f.svc.GetBalance(ctx, "77777777-7777-7777-7777-777777777777")
	require.NoError(t, err)
	assert.True(t, b.Balance.IsZero())
	assert.True(t, b.IsLimited)
}

func TestPaymentCreatesMissingWallet(t *testing.T) {
	f := newLedgerFixture(t, "0.00")
	stranger := "88888888-8888-8888-8888-888888888888"

	req := payment("1.00", "buy-8")
	req.AccountID = stranger
	_, err := f.svc.ProcessPayment(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	w, err := f.store.GetWallet(context.Background(), stranger)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}
