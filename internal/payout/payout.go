// Package payout wraps the external money-movement capability used by
// withdrawals. The ledger debits first and calls Send afterwards;
// failures here are compensated, never partially applied.
package payout

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Client sends funds to a driver's payout target (bank account, PIX
// key, connected account id).
type Client interface {
	Send(ctx context.Context, driverID string, amount models.Money, target string) error
}

// Noop accepts every payout without moving money. Default when no
// provider is configured; useful locally and in tests.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) Send(_ context.Context, driverID string, amount models.Money, target string) error {
	if n.Logger != nil {
		n.Logger.Info("payout (noop)", "driver_id", driverID, "amount", amount.String(), "target", target)
	}
	return nil
}
