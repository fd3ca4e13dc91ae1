package pricing

import (
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	origin      = models.Place{Address: "A", Lat: -23.561, Lon: -46.655}
	destination = models.Place{Address: "B", Lat: -23.551, Lon: -46.644}
)

func TestEstimateComposesTariff(t *testing.T) {
	s := NewService(10)
	est, err := s.Estimate(origin, destination)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.DistanceKm <= 0 || est.DurationMin <= 0 {
		t.Fatalf("degenerate estimate: %+v", est)
	}
	expected := s.BaseFare +
		models.Money(int64(est.DistanceKm*float64(s.PerKm)+0.5)) +
		models.Money(int64(est.DurationMin)*int64(s.PerMin))
	if est.Price < s.BaseFare || est.Price == 0 {
		t.Fatalf("price below base fare: %s", est.Price)
	}
	// Within a rounding cent of the tariff sum.
	if diff := est.Price - expected; diff < -1 || diff > 1 {
		t.Fatalf("price %s diverges from tariff %s", est.Price, expected)
	}
}

func TestEstimateFasterSpeedShorterDuration(t *testing.T) {
	slow, _ := NewService(5).Estimate(origin, destination)
	fast, _ := NewService(20).Estimate(origin, destination)
	if fast.DurationMin >= slow.DurationMin {
		t.Fatalf("expected faster trip, got %d vs %d minutes", fast.DurationMin, slow.DurationMin)
	}
	if fast.Price >= slow.Price {
		t.Fatalf("shorter trip should be cheaper, got %s vs %s", fast.Price, slow.Price)
	}
}

func TestValidateEndpoints(t *testing.T) {
	if err := ValidateEndpoints(models.Place{}, destination); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("zero origin: %v", err)
	}
	if err := ValidateEndpoints(origin, models.Place{}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("zero destination: %v", err)
	}
	if err := ValidateEndpoints(origin, origin); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("identical endpoints: %v", err)
	}
	if err := ValidateEndpoints(origin, destination); err != nil {
		t.Fatalf("valid endpoints rejected: %v", err)
	}
}
