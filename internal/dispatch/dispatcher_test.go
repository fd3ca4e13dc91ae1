package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
)

type fakeGeo struct {
	mu      sync.Mutex
	drivers []models.NearbyDriver
}

func (f *fakeGeo) Upsert(context.Context, models.DriverPresence) error { return nil }
func (f *fakeGeo) SetOffline(context.Context, string) error            { return nil }

func (f *fakeGeo) Nearby(_ context.Context, _, _ float64, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.NearbyDriver
	for _, d := range f.drivers {
		if d.DistanceMeters <= radiusMeters {
			out = append(out, d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type capturePub struct {
	mu     sync.Mutex
	events map[string][]models.Event // driver id -> events
}

func newCapturePub() *capturePub {
	return &capturePub{events: make(map[string][]models.Event)}
}

func (c *capturePub) Publish(userID string, _ realtime.Role, ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[userID] = append(c.events[userID], ev)
}

func (c *capturePub) count(userID string, kind models.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events[userID] {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func (c *capturePub) lastOfKind(userID string, kind models.EventKind) (models.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events[userID]) - 1; i >= 0; i-- {
		if c.events[userID][i].Type == kind {
			return c.events[userID][i], true
		}
	}
	return models.Event{}, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nearby(id string, distance float64) models.NearbyDriver {
	return models.NearbyDriver{
		DriverPresence: models.DriverPresence{DriverID: id, Lat: -23.56, Lon: -46.65, Online: true},
		DistanceMeters: distance,
	}
}

var (
	testOrigin      = models.Place{Address: "Av. Paulista 1000", Lat: -23.561, Lon: -46.655}
	testDestination = models.Place{Address: "Rua Augusta 500", Lat: -23.551, Lon: -46.644}
)

func setup(t *testing.T, g *fakeGeo, cfg Config) (*Dispatcher, *rides.Registry, *capturePub) {
	t.Helper()
	if cfg.RadiiKm == nil {
		cfg.RadiiKm = []float64{2, 5}
	}
	if cfg.Limit == 0 {
		cfg.Limit = 8
	}
	if cfg.OfferTTL == 0 {
		cfg.OfferTTL = 100 * time.Millisecond
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = 2
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 5 * time.Millisecond
	}
	if cfg.SpeedMps == 0 {
		cfg.SpeedMps = 10
	}
	pub := newCapturePub()
	registry := rides.NewRegistry(rides.NewMemoryStore(), nil, testLogger())
	return New(cfg, g, registry, pub, testLogger()), registry, pub
}

func requestRide(t *testing.T, registry *rides.Registry) *models.Ride {
	t.Helper()
	ride, err := registry.Request(context.Background(), "p1", testOrigin, testDestination, "", models.MoneyFromFloat(21.30))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return ride
}

func TestOfferAndAccept(t *testing.T) {
	g := &fakeGeo{drivers: []models.NearbyDriver{nearby("d1", 500)}}
	d, registry, pub := setup(t, g, Config{OfferTTL: time.Second})
	ride := requestRide(t, registry)

	d.Dispatch(ride)
	waitFor(t, "offer to d1", func() bool { return pub.count("d1", models.EventRideOffer) == 1 })

	ev, _ := pub.lastOfKind("d1", models.EventRideOffer)
	if ev.RideID() != ride.ID {
		t.Fatalf("offer carries wrong ride id: %q", ev.RideID())
	}
	if _, ok := ev.Fields["eta_seconds"]; !ok {
		t.Fatal("offer missing eta")
	}

	accepted, err := d.Accept(context.Background(), ride.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID != "d1" {
		t.Fatalf("expected ACCEPTED by d1, got %s by %q", accepted.Status, accepted.DriverID)
	}
	waitFor(t, "dispatch to finish", func() bool {
		_, active := d.Offer(ride.ID)
		return !active
	})
}

func TestLosersAreRevokedAndConflicted(t *testing.T) {
	g := &fakeGeo{drivers: []models.NearbyDriver{nearby("d1", 300), nearby("d2", 700)}}
	d, registry, pub := setup(t, g, Config{OfferTTL: time.Second})
	ride := requestRide(t, registry)

	d.Dispatch(ride)
	waitFor(t, "offers to both drivers", func() bool {
		return pub.count("d1", models.EventRideOffer) == 1 && pub.count("d2", models.EventRideOffer) == 1
	})

	if _, err := d.Accept(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := d.Accept(context.Background(), ride.ID, "d2"); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("late accept: expected conflict, got %v", err)
	}

	rev, ok := pub.lastOfKind("d2", models.EventRideOfferRevoked)
	if !ok {
		t.Fatal("d2 never saw a revoke")
	}
	if rev.Fields["reason"] != "taken" {
		t.Fatalf("expected reason taken, got %v", rev.Fields["reason"])
	}
	if pub.count("d1", models.EventRideOfferRevoked) != 0 {
		t.Fatal("winner should not be revoked")
	}
}

func TestRadiusExpandsAcrossRounds(t *testing.T) {
	// 3km out: beyond the first 2km round, inside the 5km second.
	g := &fakeGeo{drivers: []models.NearbyDriver{nearby("d1", 3000)}}
	d, registry, pub := setup(t, g, Config{OfferTTL: time.Second})
	ride := requestRide(t, registry)

	d.Dispatch(ride)
	waitFor(t, "second-round offer", func() bool { return pub.count("d1", models.EventRideOffer) == 1 })

	ev, _ := pub.lastOfKind("d1", models.EventRideOffer)
	if ev.Fields["round"] != 1 {
		t.Fatalf("expected round 1, got %v", ev.Fields["round"])
	}
}

func TestExhaustionCancelsRide(t *testing.T) {
	g := &fakeGeo{} // nobody around
	d, registry, _ := setup(t, g, Config{MaxRounds: 2, OfferTTL: 20 * time.Millisecond})
	ride := requestRide(t, registry)
	before := testutil.ToFloat64(observability.RidesCancelled.WithLabelValues(models.ReasonNoDrivers))

	d.Dispatch(ride)
	waitFor(t, "auto-cancel", func() bool {
		cur, err := registry.Get(context.Background(), ride.ID)
		return err == nil && cur.Status == models.StatusCancelled
	})
	cur, _ := registry.Get(context.Background(), ride.ID)
	if cur.Reason != models.ReasonNoDrivers {
		t.Fatalf("expected reason %s, got %q", models.ReasonNoDrivers, cur.Reason)
	}
	if after := testutil.ToFloat64(observability.RidesCancelled.WithLabelValues(models.ReasonNoDrivers)); after != before+1 {
		t.Fatalf("expected one cancellation counted, got %v", after-before)
	}
}

func TestCancelRevokesOutstandingOffer(t *testing.T) {
	g := &fakeGeo{drivers: []models.NearbyDriver{nearby("d1", 500)}}
	d, registry, pub := setup(t, g, Config{OfferTTL: time.Second})
	ride := requestRide(t, registry)

	d.Dispatch(ride)
	waitFor(t, "offer to d1", func() bool { return pub.count("d1", models.EventRideOffer) == 1 })

	if _, err := registry.Cancel(context.Background(), ride.ID, "p1", rides.ActorPassenger, "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	d.HandleCancelled(ride.ID)

	rev, ok := pub.lastOfKind("d1", models.EventRideOfferRevoked)
	if !ok {
		t.Fatal("expected revoke after cancellation")
	}
	if rev.Fields["reason"] != "cancelled" {
		t.Fatalf("expected reason cancelled, got %v", rev.Fields["reason"])
	}

	if _, err := d.Accept(context.Background(), ride.ID, "d1"); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("accept after cancel: expected conflict, got %v", err)
	}
}

func TestDeclinedDriverStaysEligible(t *testing.T) {
	g := &fakeGeo{drivers: []models.NearbyDriver{nearby("d1", 500)}}
	d, registry, pub := setup(t, g, Config{MaxRounds: 2, OfferTTL: time.Second})
	ride := requestRide(t, registry)

	d.Dispatch(ride)
	waitFor(t, "first offer", func() bool { return pub.count("d1", models.EventRideOffer) == 1 })

	// Sole candidate declines; the round ends early instead of
	// burning the full deadline, and the same driver is offered again
	// next round.
	d.Decline(ride.ID, "d1")
	waitFor(t, "second offer", func() bool { return pub.count("d1", models.EventRideOffer) == 2 })

	if _, err := d.Accept(context.Background(), ride.ID, "d1"); err != nil {
		t.Fatalf("accept on second offer: %v", err)
	}
	cur, _ := registry.Get(context.Background(), ride.ID)
	if cur.Status != models.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", cur.Status)
	}
}

func TestCategoryFilter(t *testing.T) {
	g := &fakeGeo{drivers: []models.NearbyDriver{
		{DriverPresence: models.DriverPresence{DriverID: "moto", Category: "moto", Online: true}, DistanceMeters: 100},
		{DriverPresence: models.DriverPresence{DriverID: "sedan", Category: "comfort", Online: true}, DistanceMeters: 200},
	}}
	d, registry, pub := setup(t, g, Config{MaxRounds: 1, OfferTTL: 50 * time.Millisecond})
	ride, err := registry.Request(context.Background(), "p1", testOrigin, testDestination, "comfort", models.MoneyFromFloat(30))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	d.Dispatch(ride)
	waitFor(t, "offer to matching category", func() bool { return pub.count("sedan", models.EventRideOffer) == 1 })
	if pub.count("moto", models.EventRideOffer) != 0 {
		t.Fatal("wrong category driver should not be offered")
	}
}
