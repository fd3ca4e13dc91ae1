// Package dispatch finds drivers for requested rides. For each ride it
// runs offer rounds over an expanding search radius, pushes offers to
// ranked candidates, and resolves the acceptance race so that exactly
// one driver ends up bound.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
)

type Config struct {
	RadiiKm   []float64     // per-round search radius, last value reused
	Limit     int           // candidates per round
	OfferTTL  time.Duration // per-offer deadline
	MaxRounds int
	Backoff   time.Duration // pause before the next round
	SpeedMps  float64       // naive ETA fallback
}

// Publisher pushes offer events to driver channels. Satisfied by
// realtime.Router.
type Publisher interface {
	Publish(userID string, role realtime.Role, ev models.Event)
}

type Dispatcher struct {
	cfg      Config
	geo      geo.Index
	registry *rides.Registry
	pub      Publisher
	etaCl    eta.Client // optional routing engine
	etaCache *eta.Cache // optional
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*offerState // ride id -> current round
}

func New(cfg Config, g geo.Index, registry *rides.Registry, pub Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		geo:      g,
		registry: registry,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]*offerState),
	}
}

// WithETA wires an optional routing client and cache for pickup ETAs.
func (d *Dispatcher) WithETA(c eta.Client, cache *eta.Cache) *Dispatcher {
	d.etaCl = c
	d.etaCache = cache
	return d
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeBound
	outcomeCancelled
	outcomeExpired
)

type offerState struct {
	offer *models.DispatchOffer
	ride  *models.Ride

	mu      sync.Mutex
	result  outcome
	pending int
	done    chan struct{} // closed once the round is decided
	once    sync.Once
}

func (st *offerState) settle(o outcome) {
	st.mu.Lock()
	if st.result == outcomePending {
		st.result = o
	}
	st.mu.Unlock()
	st.once.Do(func() { close(st.done) })
}

func (st *offerState) pendingCandidates() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for _, id := range st.offer.Candidates {
		if st.offer.States[id] == models.OfferPending {
			out = append(out, id)
		}
	}
	return out
}

// Dispatch starts offer rounds for a requested ride. Returns
// immediately; the rounds run in the background.
func (d *Dispatcher) Dispatch(ride *models.Ride) {
	d.mu.Lock()
	if _, running := d.active[ride.ID]; running {
		d.mu.Unlock()
		return
	}
	d.active[ride.ID] = nil // reserve while the first round assembles
	d.mu.Unlock()
	go d.run(context.Background(), ride)
}

func (d *Dispatcher) run(ctx context.Context, ride *models.Ride) {
	defer func() {
		d.mu.Lock()
		delete(d.active, ride.ID)
		d.mu.Unlock()
	}()

	for round := 0; round < d.cfg.MaxRounds; round++ {
		if round > 0 {
			time.Sleep(d.cfg.Backoff)
		}
		// The ride may have been cancelled (or bound via a straggling
		// offer) between rounds.
		cur, err := d.registry.Get(ctx, ride.ID)
		if err != nil || cur.Status != models.StatusRequested {
			return
		}

		cands, err := d.candidates(ctx, cur, round)
		if err != nil {
			d.logger.Error("candidate lookup failed", "ride_id", ride.ID, "error", err)
			continue
		}
		if len(cands) == 0 {
			d.logger.Info("no candidates this round", "ride_id", ride.ID, "round", round)
			continue
		}

		st := d.beginRound(cur, round, cands)
		d.pushOffers(st, cands)

		timer := time.NewTimer(d.cfg.OfferTTL)
		select {
		case <-st.done:
			timer.Stop()
		case <-timer.C:
			st.settle(outcomeExpired)
		}

		st.mu.Lock()
		result := st.result
		for _, id := range st.offer.Candidates {
			if st.offer.States[id] == models.OfferPending {
				st.offer.States[id] = models.OfferExpired
			}
		}
		st.mu.Unlock()

		if result == outcomeBound || result == outcomeCancelled {
			return
		}
		// Declined or expired candidates stay eligible next round.
	}

	// Exhausted. Auto-cancel unless a driver slipped in meanwhile.
	if _, err := d.registry.CancelNoDrivers(ctx, ride.ID); err != nil {
		if !errors.Is(err, fault.ErrConflict) {
			d.logger.Error("auto-cancel failed", "ride_id", ride.ID, "error", err)
		}
		return
	}
	d.logger.Info("dispatch exhausted", "ride_id", ride.ID, "rounds", d.cfg.MaxRounds)
}

func (d *Dispatcher) candidates(ctx context.Context, ride *models.Ride, round int) ([]models.NearbyDriver, error) {
	radius := d.cfg.RadiiKm[len(d.cfg.RadiiKm)-1]
	if round < len(d.cfg.RadiiKm) {
		radius = d.cfg.RadiiKm[round]
	}
	found, err := d.geo.Nearby(ctx, ride.Origin.Lat, ride.Origin.Lon, radius*1000, d.cfg.Limit)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, c := range found {
		if categoryCompatible(c.Category, ride.Category) {
			out = append(out, c)
		}
	}
	return out, nil
}

func categoryCompatible(driverCat, rideCat string) bool {
	return driverCat == "" || rideCat == "" || driverCat == rideCat
}

func (d *Dispatcher) beginRound(ride *models.Ride, round int, cands []models.NearbyDriver) *offerState {
	offer := &models.DispatchOffer{
		RideID:     ride.ID,
		Candidates: make([]string, 0, len(cands)),
		States:     make(map[string]models.OfferStatus, len(cands)),
		Deadline:   d.now().Add(d.cfg.OfferTTL),
		Round:      round,
	}
	for _, c := range cands {
		offer.Candidates = append(offer.Candidates, c.DriverID)
		offer.States[c.DriverID] = models.OfferPending
	}
	st := &offerState{
		offer:   offer,
		ride:    ride,
		pending: len(cands),
		done:    make(chan struct{}),
	}
	d.mu.Lock()
	d.active[ride.ID] = st
	d.mu.Unlock()
	return st
}

func (d *Dispatcher) pushOffers(st *offerState, cands []models.NearbyDriver) {
	for _, c := range cands {
		ev := models.NewEvent(models.EventRideOffer, map[string]any{
			"ride_id":         st.ride.ID,
			"origin":          st.ride.Origin.Address,
			"origin_lat":      st.ride.Origin.Lat,
			"origin_lon":      st.ride.Origin.Lon,
			"destination":     st.ride.Destination.Address,
			"estimated_price": st.ride.Estimated,
			"category":        st.ride.Category,
			"distance_meters": c.DistanceMeters,
			"eta_seconds":     d.pickupETA(c, st.ride),
			"expires_at":      st.offer.Deadline.UTC().Format(time.RFC3339),
			"round":           st.offer.Round,
		})
		d.pub.Publish(c.DriverID, realtime.RoleDriver, ev)
		observability.OffersPushed.Inc()
	}
	d.logger.Info("offers pushed",
		"ride_id", st.ride.ID, "round", st.offer.Round, "candidates", len(cands))
}

func (d *Dispatcher) pickupETA(c models.NearbyDriver, ride *models.Ride) float64 {
	from := models.Coord{Lat: c.Lat, Lon: c.Lon}
	to := ride.Origin.Coord()
	if d.etaCache != nil {
		if v, ok := d.etaCache.Get(from, to); ok {
			return v
		}
	}
	if d.etaCl != nil {
		if v, err := d.etaCl.EstimateSeconds(from, to); err == nil {
			if d.etaCache != nil {
				d.etaCache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, d.cfg.SpeedMps)
}

// Accept resolves a driver's acceptance. Exactly one concurrent accept
// wins the conditional bind; the rest observe ErrConflict and remain
// available for future offers.
func (d *Dispatcher) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := d.registry.Bind(ctx, rideID, driverID)
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			observability.AcceptRaces.Inc()
		}
		return nil, err
	}

	d.mu.Lock()
	st := d.active[rideID]
	d.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		st.offer.States[driverID] = models.OfferWon
		st.mu.Unlock()
		d.revokePending(st, "taken")
		st.settle(outcomeBound)
	}
	observability.BindLatency.Observe(d.now().Sub(ride.CreatedAt).Seconds())
	return ride, nil
}

// Decline records a candidate's refusal. Once every candidate has
// declined, the round ends early. Declined drivers are re-eligible in
// later rounds.
func (d *Dispatcher) Decline(rideID, driverID string) {
	d.mu.Lock()
	st := d.active[rideID]
	d.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.offer.States[driverID] == models.OfferPending {
		st.offer.States[driverID] = models.OfferDeclined
		st.pending--
	}
	empty := st.pending == 0
	st.mu.Unlock()
	if empty {
		st.settle(outcomeExpired)
	}
}

// HandleCancelled synchronously revokes any outstanding offer for a
// cancelled ride so straggling acceptances are rejected rather than
// silently bound to a dead ride.
func (d *Dispatcher) HandleCancelled(rideID string) {
	d.mu.Lock()
	st := d.active[rideID]
	d.mu.Unlock()
	if st == nil {
		return
	}
	d.revokePending(st, "cancelled")
	st.settle(outcomeCancelled)
}

func (d *Dispatcher) revokePending(st *offerState, reason string) {
	for _, driverID := range st.pendingCandidates() {
		d.pub.Publish(driverID, realtime.RoleDriver, models.NewEvent(models.EventRideOfferRevoked, map[string]any{
			"ride_id": st.ride.ID,
			"reason":  reason,
		}))
	}
}

// Offer exposes the current round's bookkeeping, mainly for tests and
// debugging endpoints.
func (d *Dispatcher) Offer(rideID string) (*models.DispatchOffer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.active[rideID]
	if st == nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	clone := models.DispatchOffer{
		RideID:     st.offer.RideID,
		Candidates: append([]string(nil), st.offer.Candidates...),
		States:     make(map[string]models.OfferStatus, len(st.offer.States)),
		Deadline:   st.offer.Deadline,
		Round:      st.offer.Round,
	}
	for k, v := range st.offer.States {
		clone.States[k] = v
	}
	return &clone, true
}
