// Package rides is the authoritative ride registry: the single source
// of truth for ride status. Every mutation is a conditional update
// keyed on the current status, and each ride's committed transitions
// are emitted in order.
package rides

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
)

// ActorRole identifies who is driving an operation.
type ActorRole string

const (
	ActorPassenger ActorRole = "passenger"
	ActorDriver    ActorRole = "driver"
)

// EventSink receives committed transitions. Implemented by
// realtime.Notifier in production and by fakes in tests.
type EventSink interface {
	RideChanged(kind models.EventKind, ride *models.Ride)
}

type nopSink struct{}

func (nopSink) RideChanged(models.EventKind, *models.Ride) {}

type Registry struct {
	store  Store
	events EventSink
	logger *slog.Logger
	now    func() time.Time

	// Per-ride emit locks: transitions commit via CAS, but the emit
	// must follow its commit before the next transition's emit so
	// per-ride event order matches commit order.
	emitMu sync.Mutex
	emit   map[string]*sync.Mutex
}

func NewRegistry(store Store, events EventSink, logger *slog.Logger) *Registry {
	if events == nil {
		events = nopSink{}
	}
	return &Registry{
		store:  store,
		events: events,
		logger: logger,
		now:    time.Now,
		emit:   make(map[string]*sync.Mutex),
	}
}

func (g *Registry) rideLock(rideID string) *sync.Mutex {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()
	mu, ok := g.emit[rideID]
	if !ok {
		mu = &sync.Mutex{}
		g.emit[rideID] = mu
	}
	return mu
}

func (g *Registry) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return g.store.Get(ctx, rideID)
}

// Request creates a ride in REQUESTED. Dispatch is triggered by the
// caller once the ride is durably recorded.
func (g *Registry) Request(ctx context.Context, passengerID string, origin, destination models.Place, category string, estimated models.Money) (*models.Ride, error) {
	if passengerID == "" {
		return nil, fmt.Errorf("missing passenger: %w", fault.ErrInvalidInput)
	}
	if err := pricing.ValidateEndpoints(origin, destination); err != nil {
		return nil, err
	}
	ride := &models.Ride{
		ID:          uuid.NewString(),
		PassengerID: passengerID,
		Origin:      origin,
		Destination: destination,
		Category:    category,
		Estimated:   estimated,
		Status:      models.StatusRequested,
		CreatedAt:   g.now(),
	}
	if err := g.store.Create(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()
	g.logger.Info("ride requested",
		"ride_id", ride.ID, "passenger_id", passengerID,
		"origin", origin.Address, "destination", destination.Address,
		"estimated_price", ride.Estimated.String())
	return ride, nil
}

// Bind assigns a driver: REQUESTED -> ACCEPTED. Atomic with respect to
// concurrent bind attempts; exactly one wins, the rest get ErrConflict.
func (g *Registry) Bind(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("missing driver: %w", fault.ErrInvalidInput)
	}
	return g.transition(ctx, rideID, Transition{
		From:           models.StatusRequested,
		To:             models.StatusAccepted,
		RequireUnbound: true,
		SetDriver:      driverID,
	}, models.EventRideAccepted)
}

// Arriving: ACCEPTED -> DRIVER_ARRIVING, bound driver only.
func (g *Registry) Arriving(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := g.requireBoundDriver(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	return g.transition(ctx, rideID, Transition{
		From:          models.StatusAccepted,
		To:            models.StatusDriverArrive,
		RequireDriver: driverID,
	}, models.EventDriverArriving)
}

// Start: DRIVER_ARRIVING -> IN_PROGRESS, bound driver only.
func (g *Registry) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := g.requireBoundDriver(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	return g.transition(ctx, rideID, Transition{
		From:          models.StatusDriverArrive,
		To:            models.StatusInProgress,
		RequireDriver: driverID,
	}, models.EventRideStarted)
}

// Finish: IN_PROGRESS -> COMPLETED. The CAS guarantees the completion
// event is emitted exactly once; the wallet consumes it through the
// notifier hook, idempotent on ride id.
func (g *Registry) Finish(ctx context.Context, rideID, driverID string, finalPrice models.Money) (*models.Ride, error) {
	if finalPrice < 0 {
		return nil, fmt.Errorf("negative final price: %w", fault.ErrInvalidInput)
	}
	if err := g.requireBoundDriver(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	if finalPrice == 0 {
		cur, err := g.store.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		finalPrice = cur.Estimated
	}
	ride, err := g.transition(ctx, rideID, Transition{
		From:          models.StatusInProgress,
		To:            models.StatusCompleted,
		RequireDriver: driverID,
		SetFinalPrice: true,
		FinalPrice:    finalPrice,
	}, models.EventRideCompleted)
	if err != nil {
		return nil, err
	}
	observability.RidesCompleted.Inc()
	return ride, nil
}

// Cancel ends or releases a ride depending on the actor. A passenger
// may cancel any time before IN_PROGRESS and the ride terminates. A
// driver cancelling after accept does not strand the passenger: the
// ride is released back to REQUESTED with the driver cleared, ready
// for re-dispatch.
func (g *Registry) Cancel(ctx context.Context, rideID, actorID string, role ActorRole, reason string) (*models.Ride, error) {
	cur, err := g.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	switch role {
	case ActorPassenger:
		if cur.PassengerID != actorID {
			return nil, fmt.Errorf("ride %s belongs to another passenger: %w", rideID, fault.ErrForbidden)
		}
		switch cur.Status {
		case models.StatusRequested, models.StatusAccepted, models.StatusDriverArrive:
		default:
			return nil, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, fault.ErrConflict)
		}
		ride, err := g.transition(ctx, rideID, Transition{
			From:        cur.Status,
			To:          models.StatusCancelled,
			ClearDriver: true,
			Reason:      reason,
		}, "")
		if err != nil {
			return nil, err
		}
		// Notify with the dropped driver still attached so they hear
		// about it too. The ride itself is terminal and unbound.
		notify := ride
		if cur.DriverID != "" {
			notify = withDriver(ride, cur.DriverID)
		}
		g.events.RideChanged(models.EventRideCancelled, notify)
		observability.RidesCancelled.WithLabelValues(orUnspecified(reason)).Inc()
		return ride, nil

	case ActorDriver:
		if cur.DriverID != actorID {
			return nil, fmt.Errorf("ride %s not assigned to driver %s: %w", rideID, actorID, fault.ErrForbidden)
		}
		switch cur.Status {
		case models.StatusAccepted, models.StatusDriverArrive:
		default:
			return nil, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, fault.ErrConflict)
		}
		// Release, not terminate: back to REQUESTED for re-dispatch.
		return g.transition(ctx, rideID, Transition{
			From:          cur.Status,
			To:            models.StatusRequested,
			RequireDriver: actorID,
			ClearDriver:   true,
			Reason:        reason,
		}, "")

	default:
		return nil, fmt.Errorf("unknown actor role %q: %w", role, fault.ErrForbidden)
	}
}

// CancelNoDrivers terminates a ride whose dispatch exhausted every
// round. Losing the CAS here is fine: a driver bound in the meantime.
func (g *Registry) CancelNoDrivers(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := g.transition(ctx, rideID, Transition{
		From:   models.StatusRequested,
		To:     models.StatusCancelled,
		Reason: models.ReasonNoDrivers,
	}, models.EventRideCancelled)
	if err != nil {
		return nil, err
	}
	observability.RidesCancelled.WithLabelValues(models.ReasonNoDrivers).Inc()
	return ride, nil
}

func (g *Registry) requireBoundDriver(ctx context.Context, rideID, driverID string) error {
	cur, err := g.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if cur.DriverID != "" && cur.DriverID != driverID {
		return fmt.Errorf("ride %s not assigned to driver %s: %w", rideID, driverID, fault.ErrForbidden)
	}
	return nil
}

func (g *Registry) transition(ctx context.Context, rideID string, tr Transition, kind models.EventKind) (*models.Ride, error) {
	tr.At = g.now()

	mu := g.rideLock(rideID)
	mu.Lock()
	defer mu.Unlock()

	ride, err := g.store.Apply(ctx, rideID, tr)
	if err != nil {
		return nil, err
	}
	g.logger.Info("ride transition",
		"ride_id", rideID, "from", string(tr.From), "to", string(tr.To),
		"driver_id", ride.DriverID)
	if kind != "" {
		g.events.RideChanged(kind, ride)
	}
	if ride.Status.Terminal() {
		// No further transitions can commit; drop the lock entry so
		// the map stays bounded by in-flight rides.
		g.emitMu.Lock()
		delete(g.emit, rideID)
		g.emitMu.Unlock()
	}
	return ride, nil
}

func withDriver(r *models.Ride, driverID string) *models.Ride {
	clone := *r
	clone.DriverID = driverID
	return &clone
}

func orUnspecified(reason string) string {
	if reason == "" {
		return "unspecified"
	}
	return reason
}
