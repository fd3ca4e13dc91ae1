package rides

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

// Transition describes one conditional state-machine update. Apply
// succeeds only if the ride's current status equals From (and the
// driver guards hold); everything else observes ErrConflict. This is
// the compare-and-swap primitive every mutation goes through; no lock
// is ever held across network or event-delivery calls.
type Transition struct {
	From models.RideStatus
	To   models.RideStatus

	RequireUnbound bool   // fail unless driver id is null (bind guard)
	RequireDriver  string // fail unless driver id equals this

	SetDriver   string
	ClearDriver bool

	SetFinalPrice bool
	FinalPrice    models.Money
	Reason        string

	At time.Time
}

// Store persists rides. Rides are never deleted; terminal states stay
// on record.
type Store interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	// Apply performs the conditional update and returns the ride as
	// committed. fault.ErrConflict when the condition fails,
	// fault.ErrNotFound for unknown rides.
	Apply(ctx context.Context, rideID string, tr Transition) (*models.Ride, error)
}

// MemoryStore keeps rides in a map. Used in tests and single-node
// setups without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s: %w", r.ID, fault.ErrConflict)
	}
	clone := *r
	m.rides[r.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, fault.ErrNotFound)
	}
	clone := *r
	return &clone, nil
}

func (m *MemoryStore) Apply(_ context.Context, rideID string, tr Transition) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", rideID, fault.ErrNotFound)
	}
	if r.Status != tr.From {
		return nil, fmt.Errorf("ride %s is %s, not %s: %w", rideID, r.Status, tr.From, fault.ErrConflict)
	}
	if tr.RequireUnbound && r.DriverID != "" {
		return nil, fmt.Errorf("ride %s already bound: %w", rideID, fault.ErrConflict)
	}
	if tr.RequireDriver != "" && r.DriverID != tr.RequireDriver {
		return nil, fmt.Errorf("ride %s bound elsewhere: %w", rideID, fault.ErrConflict)
	}

	r.Status = tr.To
	if tr.SetDriver != "" {
		r.DriverID = tr.SetDriver
	}
	if tr.ClearDriver {
		r.DriverID = ""
	}
	if tr.SetFinalPrice {
		r.FinalPrice = tr.FinalPrice
	}
	if tr.Reason != "" {
		r.Reason = tr.Reason
	}
	stampTransition(r, tr.To, tr.At)

	clone := *r
	return &clone, nil
}

func stampTransition(r *models.Ride, to models.RideStatus, at time.Time) {
	switch to {
	case models.StatusAccepted:
		r.AcceptedAt = at
	case models.StatusDriverArrive:
		r.ArrivingAt = at
	case models.StatusInProgress:
		r.StartedAt = at
	case models.StatusCompleted:
		r.CompletedAt = at
	case models.StatusCancelled:
		r.CancelledAt = at
	}
}
