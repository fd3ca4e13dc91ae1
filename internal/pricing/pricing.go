// Package pricing produces trip estimates: straight-line distance,
// duration at a configured city speed, and a fare from a base +
// per-km + per-minute tariff. Route polylines are out of scope; the
// dispatcher only re-uses the accepted price.
package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Service struct {
	BaseFare models.Money // flag drop
	PerKm    models.Money
	PerMin   models.Money
	SpeedMps float64
}

// NewService returns the default BRL tariff.
func NewService(speedMps float64) *Service {
	if speedMps <= 0 {
		speedMps = 10
	}
	return &Service{
		BaseFare: models.MoneyFromFloat(5.00),
		PerKm:    models.MoneyFromFloat(2.00),
		PerMin:   models.MoneyFromFloat(0.50),
		SpeedMps: speedMps,
	}
}

func (s *Service) Estimate(origin, destination models.Place) (models.Estimate, error) {
	if err := ValidateEndpoints(origin, destination); err != nil {
		return models.Estimate{}, err
	}
	meters := geo.Haversine(origin.Lat, origin.Lon, destination.Lat, destination.Lon)
	seconds := meters / s.SpeedMps
	km := meters / 1000.0
	minutes := int(math.Ceil(seconds / 60.0))

	price := s.BaseFare +
		models.Money(math.Round(km*float64(s.PerKm))) +
		models.Money(int64(minutes)*int64(s.PerMin))

	return models.Estimate{
		Origin:      origin,
		Destination: destination,
		DistanceKm:  km,
		DurationMin: minutes,
		Price:       price,
	}, nil
}

// ValidateEndpoints rejects missing or identical coordinates.
func ValidateEndpoints(origin, destination models.Place) error {
	if origin.Lat == 0 && origin.Lon == 0 {
		return fault.ErrInvalidInput
	}
	if destination.Lat == 0 && destination.Lon == 0 {
		return fault.ErrInvalidInput
	}
	if origin.Lat == destination.Lat && origin.Lon == destination.Lon {
		return fault.ErrInvalidInput
	}
	return nil
}
