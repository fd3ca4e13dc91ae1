package payout

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient pays drivers through Stripe Transfers. The target is
// the driver's connected account id.
type StripeClient struct {
	currency string
}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{currency: strings.ToLower(currency)}
}

func (s *StripeClient) Send(ctx context.Context, driverID string, amount models.Money, target string) error {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(int64(amount)),
		Currency:    stripe.String(s.currency),
		Destination: stripe.String(target),
	}
	params.Context = ctx
	params.AddMetadata("driver_id", driverID)
	if _, err := transfer.New(params); err != nil {
		return fmt.Errorf("stripe transfer for driver %s: %v: %w", driverID, err, fault.ErrExternal)
	}
	return nil
}
