package realtime

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Hook is an in-process consumer of published events. Hooks run
// synchronously in registration order, once per domain event, before
// any client delivery. The wallet ledger consumes ride completions
// this way.
type Hook func(ev models.Event)

// Notifier turns committed ride transitions into realtime envelopes:
// it runs the observer table, then fans the event out to the passenger
// and, once bound, the driver.
type Notifier struct {
	router *Router

	mu    sync.RWMutex
	hooks map[models.EventKind][]Hook
}

func NewNotifier(router *Router) *Notifier {
	return &Notifier{router: router, hooks: make(map[models.EventKind][]Hook)}
}

// On registers a hook for an event kind.
func (n *Notifier) On(kind models.EventKind, h Hook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks[kind] = append(n.hooks[kind], h)
}

// Emit runs hooks for the event, then publishes it to each target.
func (n *Notifier) Emit(ev models.Event, targets ...TargetRef) {
	n.mu.RLock()
	hooks := append([]Hook(nil), n.hooks[ev.Type]...)
	n.mu.RUnlock()
	for _, h := range hooks {
		h(ev)
	}
	for _, t := range targets {
		n.router.Publish(t.UserID, t.Role, ev)
	}
}

type TargetRef struct {
	UserID string
	Role   Role
}

// RideChanged publishes a lifecycle event for a committed transition.
func (n *Notifier) RideChanged(kind models.EventKind, ride *models.Ride) {
	fields := map[string]any{
		"ride_id":         ride.ID,
		"status":          string(ride.Status),
		"origin":          ride.Origin.Address,
		"destination":     ride.Destination.Address,
		"estimated_price": ride.Estimated,
	}
	if ride.DriverID != "" {
		fields["driver_id"] = ride.DriverID
	}
	if ride.Status == models.StatusCompleted {
		fields["final_price"] = ride.FinalPrice
	}
	if ride.Reason != "" {
		fields["reason"] = ride.Reason
	}

	targets := []TargetRef{{UserID: ride.PassengerID, Role: RolePassenger}}
	if ride.DriverID != "" {
		targets = append(targets, TargetRef{UserID: ride.DriverID, Role: RoleDriver})
	}
	n.Emit(models.NewEvent(kind, fields), targets...)
}
