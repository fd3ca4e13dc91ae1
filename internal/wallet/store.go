package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// Store persists wallet accounts and their append-only transaction
// log. Append must write the balance update and the log entry
// atomically together; Release must flip the hold flag and move the
// balances in one unit.
type Store interface {
	GetAccount(ctx context.Context, driverID string) (*models.WalletAccount, error)
	CreateAccount(ctx context.Context, acct *models.WalletAccount) error
	Append(ctx context.Context, acct *models.WalletAccount, tx *models.Transaction) error
	FindByReference(ctx context.Context, driverID, refID string, t models.TransactionType) (*models.Transaction, error)
	Transactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error)
	// DueHolds returns unreleased ride credits whose hold matured.
	DueHolds(ctx context.Context, now time.Time) ([]models.Transaction, error)
	// Release moves the hold amount blocked -> available and marks the
	// transaction released. No-op (ErrConflict) if already released.
	Release(ctx context.Context, tx *models.Transaction) error
}

type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]models.WalletAccount
	txs      map[string][]models.Transaction // driver id -> entries, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.WalletAccount),
		txs:      make(map[string][]models.Transaction),
	}
}

func (m *MemoryStore) GetAccount(_ context.Context, driverID string) (*models.WalletAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[driverID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", driverID, fault.ErrNotFound)
	}
	return &acct, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct *models.WalletAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.DriverID]; ok {
		return fmt.Errorf("wallet %s: %w", acct.DriverID, fault.ErrConflict)
	}
	m.accounts[acct.DriverID] = *acct
	return nil
}

func (m *MemoryStore) Append(_ context.Context, acct *models.WalletAccount, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.DriverID] = *acct
	m.txs[tx.DriverID] = append(m.txs[tx.DriverID], *tx)
	return nil
}

func (m *MemoryStore) FindByReference(_ context.Context, driverID, refID string, t models.TransactionType) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs[driverID] {
		if tx.ReferenceID == refID && tx.Type == t {
			found := tx
			return &found, nil
		}
	}
	return nil, fmt.Errorf("transaction ref %s: %w", refID, fault.ErrNotFound)
}

func (m *MemoryStore) Transactions(_ context.Context, driverID string, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.txs[driverID]
	out := make([]models.Transaction, len(all))
	copy(out, all)
	// Newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DueHolds(_ context.Context, now time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Transaction
	for _, list := range m.txs {
		for _, tx := range list {
			if tx.Type == models.TxRideCredit && !tx.Released && !tx.ReleaseDue.IsZero() && !tx.ReleaseDue.After(now) {
				due = append(due, tx)
			}
		}
	}
	return due, nil
}

func (m *MemoryStore) Release(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.txs[tx.DriverID]
	for i := range list {
		if list[i].ID != tx.ID {
			continue
		}
		if list[i].Released {
			return fmt.Errorf("hold %s already released: %w", tx.ID, fault.ErrConflict)
		}
		list[i].Released = true
		acct := m.accounts[tx.DriverID]
		acct.Blocked -= tx.Amount
		acct.Available += tx.Amount
		m.accounts[tx.DriverID] = acct
		return nil
	}
	return fmt.Errorf("hold %s: %w", tx.ID, fault.ErrNotFound)
}
