package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore keeps wallets and their transaction log in Postgres.
// Balance updates and log appends share one SQL transaction so neither
// can land without the other.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

type walletRow struct {
	DriverID  string `db:"driver_id"`
	Available int64  `db:"available_balance"`
	Blocked   int64  `db:"blocked_balance"`
	Currency  string `db:"currency"`
}

type txRow struct {
	ID           string       `db:"id"`
	DriverID     string       `db:"driver_id"`
	Amount       int64        `db:"amount"`
	BalanceAfter int64        `db:"balance_after"`
	Type         string       `db:"type"`
	Description  string       `db:"description"`
	ReferenceID  string       `db:"reference_id"`
	CreatedAt    time.Time    `db:"created_at"`
	ReleaseDue   sql.NullTime `db:"release_due"`
	Released     bool         `db:"released"`
}

func (r txRow) toModel() models.Transaction {
	tx := models.Transaction{
		ID:           r.ID,
		DriverID:     r.DriverID,
		Amount:       models.Money(r.Amount),
		BalanceAfter: models.Money(r.BalanceAfter),
		Type:         models.TransactionType(r.Type),
		Description:  r.Description,
		ReferenceID:  r.ReferenceID,
		CreatedAt:    r.CreatedAt,
		Released:     r.Released,
	}
	if r.ReleaseDue.Valid {
		tx.ReleaseDue = r.ReleaseDue.Time
	}
	return tx
}

func (p *PostgresStore) GetAccount(ctx context.Context, driverID string) (*models.WalletAccount, error) {
	var row walletRow
	err := p.db.GetContext(ctx, &row,
		`SELECT driver_id, available_balance, blocked_balance, currency FROM wallets WHERE driver_id = $1`,
		driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", driverID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &models.WalletAccount{
		DriverID:  row.DriverID,
		Available: models.Money(row.Available),
		Blocked:   models.Money(row.Blocked),
		Currency:  row.Currency,
	}, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *models.WalletAccount) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO wallets (driver_id, available_balance, blocked_balance, currency) VALUES ($1,$2,$3,$4)`,
		acct.DriverID, int64(acct.Available), int64(acct.Blocked), acct.Currency)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, acct *models.WalletAccount, tx *models.Transaction) error {
	dbtx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx,
		`UPDATE wallets SET available_balance = $1, blocked_balance = $2 WHERE driver_id = $3`,
		int64(acct.Available), int64(acct.Blocked), acct.DriverID); err != nil {
		return err
	}
	var due sql.NullTime
	if !tx.ReleaseDue.IsZero() {
		due = sql.NullTime{Time: tx.ReleaseDue, Valid: true}
	}
	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO wallet_transactions (id, driver_id, amount, balance_after, type, description, reference_id, created_at, release_due, released)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false)`,
		tx.ID, tx.DriverID, int64(tx.Amount), int64(tx.BalanceAfter), string(tx.Type),
		tx.Description, tx.ReferenceID, tx.CreatedAt, due); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (p *PostgresStore) FindByReference(ctx context.Context, driverID, refID string, t models.TransactionType) (*models.Transaction, error) {
	var row txRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, driver_id, amount, balance_after, type, description, reference_id, created_at, release_due, released
		 FROM wallet_transactions WHERE driver_id = $1 AND reference_id = $2 AND type = $3`,
		driverID, refID, string(t))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction ref %s: %w", refID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	tx := row.toModel()
	return &tx, nil
}

func (p *PostgresStore) Transactions(ctx context.Context, driverID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []txRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, driver_id, amount, balance_after, type, description, reference_id, created_at, release_due, released
		 FROM wallet_transactions WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`,
		driverID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *PostgresStore) DueHolds(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	var rows []txRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, driver_id, amount, balance_after, type, description, reference_id, created_at, release_due, released
		 FROM wallet_transactions
		 WHERE type = 'ride_credit' AND released = false AND release_due IS NOT NULL AND release_due <= $1`,
		now)
	if err != nil {
		return nil, err
	}
	out := make([]models.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *PostgresStore) Release(ctx context.Context, tx *models.Transaction) error {
	dbtx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx,
		`UPDATE wallet_transactions SET released = true WHERE id = $1 AND released = false`,
		tx.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("hold %s already released: %w", tx.ID, fault.ErrConflict)
	}
	if _, err := dbtx.ExecContext(ctx,
		`UPDATE wallets SET blocked_balance = blocked_balance - $1, available_balance = available_balance + $1 WHERE driver_id = $2`,
		int64(tx.Amount), tx.DriverID); err != nil {
		return err
	}
	return dbtx.Commit()
}
