// Package wallet is the driver wallet ledger: a per-driver balance
// aggregate (available + blocked) backed by an append-only transaction
// log. Ride completions credit into a hold; a background sweep
// releases matured holds; withdrawals debit available funds and hand
// off to an external payout capability.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payout"
)

type Ledger struct {
	store    Store
	payouts  payout.Client
	logger   *slog.Logger
	currency string
	holdDays int
	now      func() time.Time

	// Per-driver serialization: the insufficient-funds check must not
	// race past a concurrent debit. Striped so the lock set stays
	// fixed-size no matter how many drivers pass through.
	locks [64]sync.Mutex
}

func NewLedger(store Store, payouts payout.Client, currency string, holdDays int, logger *slog.Logger) *Ledger {
	if payouts == nil {
		payouts = payout.Noop{}
	}
	return &Ledger{
		store:    store,
		payouts:  payouts,
		logger:   logger,
		currency: currency,
		holdDays: holdDays,
		now:      time.Now,
	}
}

func (l *Ledger) driverLock(driverID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(driverID))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// Account returns the wallet snapshot, creating an empty wallet on
// first touch.
func (l *Ledger) Account(ctx context.Context, driverID string) (*models.WalletAccount, error) {
	mu := l.driverLock(driverID)
	mu.Lock()
	defer mu.Unlock()
	return l.getOrCreate(ctx, driverID)
}

func (l *Ledger) Transactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error) {
	return l.store.Transactions(ctx, driverID, limit)
}

// Credit posts ride earnings into the blocked balance. Idempotent on
// referenceID: a second credit for the same ride returns the existing
// transaction and changes nothing, which is what guards against
// duplicate completion events.
func (l *Ledger) Credit(ctx context.Context, driverID string, amount models.Money, referenceID string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive: %w", fault.ErrInvalidInput)
	}
	if referenceID == "" {
		return nil, fmt.Errorf("missing reference id: %w", fault.ErrInvalidInput)
	}

	mu := l.driverLock(driverID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := l.store.FindByReference(ctx, driverID, referenceID, models.TxRideCredit); err == nil {
		return existing, nil
	} else if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	acct, err := l.getOrCreate(ctx, driverID)
	if err != nil {
		return nil, err
	}
	acct.Blocked += amount

	tx := &models.Transaction{
		ID:           uuid.NewString(),
		DriverID:     driverID,
		Amount:       amount,
		BalanceAfter: acct.Available + acct.Blocked,
		Type:         models.TxRideCredit,
		Description:  "Ride earnings",
		ReferenceID:  referenceID,
		CreatedAt:    l.now(),
		ReleaseDue:   businessDaysAfter(l.now(), l.holdDays),
	}
	if err := l.store.Append(ctx, acct, tx); err != nil {
		return nil, err
	}
	observability.WalletCredits.Inc()
	l.logger.Info("wallet credit",
		"driver_id", driverID, "amount", amount.String(),
		"reference_id", referenceID, "release_due", tx.ReleaseDue)
	return tx, nil
}

// Withdraw debits available funds and hands off to the payout
// capability. The debit commits before the external call; a payout
// failure is reconciled by a compensating credit rather than by
// holding the wallet lock across the network.
func (l *Ledger) Withdraw(ctx context.Context, driverID string, amount models.Money, payoutTarget string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive: %w", fault.ErrInvalidInput)
	}

	tx, err := l.debit(ctx, driverID, amount, payoutTarget)
	if err != nil {
		return nil, err
	}

	if err := l.payouts.Send(ctx, driverID, amount, payoutTarget); err != nil {
		l.logger.Error("payout failed, compensating",
			"driver_id", driverID, "withdrawal_id", tx.ID, "error", err)
		if _, cerr := l.compensate(ctx, tx); cerr != nil {
			// Funds stay debited; reconciliation has the reversal ref.
			l.logger.Error("compensating credit failed",
				"driver_id", driverID, "withdrawal_id", tx.ID, "error", cerr)
			return nil, fmt.Errorf("payout and compensation failed for %s: %w", tx.ID, fault.ErrExternal)
		}
		return nil, fmt.Errorf("payout for %s: %w", tx.ID, fault.ErrExternal)
	}

	observability.WalletWithdrawals.Inc()
	return tx, nil
}

func (l *Ledger) debit(ctx context.Context, driverID string, amount models.Money, payoutTarget string) (*models.Transaction, error) {
	mu := l.driverLock(driverID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := l.getOrCreate(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if amount > acct.Available {
		return nil, fmt.Errorf("withdraw %s with available %s: %w",
			amount, acct.Available, fault.ErrInsufficientFunds)
	}
	acct.Available -= amount

	tx := &models.Transaction{
		ID:           uuid.NewString(),
		DriverID:     driverID,
		Amount:       -amount,
		BalanceAfter: acct.Available + acct.Blocked,
		Type:         models.TxWithdrawal,
		Description:  "Withdrawal to " + payoutTarget,
		CreatedAt:    l.now(),
	}
	if err := l.store.Append(ctx, acct, tx); err != nil {
		return nil, err
	}
	l.logger.Info("wallet debit", "driver_id", driverID, "amount", amount.String(), "tx_id", tx.ID)
	return tx, nil
}

func (l *Ledger) compensate(ctx context.Context, failed *models.Transaction) (*models.Transaction, error) {
	mu := l.driverLock(failed.DriverID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := l.getOrCreate(ctx, failed.DriverID)
	if err != nil {
		return nil, err
	}
	amount := -failed.Amount // failed withdrawal amount is negative
	acct.Available += amount

	tx := &models.Transaction{
		ID:           uuid.NewString(),
		DriverID:     failed.DriverID,
		Amount:       amount,
		BalanceAfter: acct.Available + acct.Blocked,
		Type:         models.TxAdjustment,
		Description:  "Payout failure reversal",
		ReferenceID:  failed.ID,
		CreatedAt:    l.now(),
	}
	if err := l.store.Append(ctx, acct, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ReleaseDue moves matured holds from blocked to available. Called by
// the settlement sweep; safe to run concurrently across processes
// because Release is conditional on the hold being unreleased.
func (l *Ledger) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := l.store.DueHolds(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range due {
		tx := due[i]
		mu := l.driverLock(tx.DriverID)
		mu.Lock()
		err := l.store.Release(ctx, &tx)
		mu.Unlock()
		if errors.Is(err, fault.ErrConflict) {
			continue // another sweep got there first
		}
		if err != nil {
			l.logger.Error("hold release failed", "tx_id", tx.ID, "error", err)
			continue
		}
		released++
		observability.HoldsReleased.Inc()
	}
	if released > 0 {
		l.logger.Info("holds released", "count", released)
	}
	return released, nil
}

func (l *Ledger) getOrCreate(ctx context.Context, driverID string) (*models.WalletAccount, error) {
	acct, err := l.store.GetAccount(ctx, driverID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}
	acct = &models.WalletAccount{DriverID: driverID, Currency: l.currency}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	l.logger.Info("wallet created", "driver_id", driverID)
	return acct, nil
}

// businessDaysAfter computes the D+N hold maturity, rolling weekend
// dates forward to Monday.
func businessDaysAfter(base time.Time, days int) time.Time {
	target := base.AddDate(0, 0, days)
	switch target.Weekday() {
	case time.Saturday:
		target = target.AddDate(0, 0, 2)
	case time.Sunday:
		target = target.AddDate(0, 0, 1)
	}
	return target
}
