package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is the driver-presence view required by dispatch and the
// nearby-drivers read API.
type Index interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	SetOffline(ctx context.Context, driverID string) error
	// Nearby returns online, non-stale drivers within radiusMeters of the
	// point, nearest first, at most limit rows.
	Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.NearbyDriver, error)
}

// MemoryIndex is a naive scan over a map; fine for one node and for
// tests. Production deployments use RedisGeo.
type MemoryIndex struct {
	mu         sync.RWMutex
	drivers    map[string]models.DriverPresence
	staleAfter time.Duration
	now        func() time.Time
}

func NewMemoryIndex(staleAfter time.Duration) *MemoryIndex {
	return &MemoryIndex{
		drivers:    make(map[string]models.DriverPresence),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (g *MemoryIndex) Upsert(_ context.Context, p models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = g.now()
	}
	g.drivers[p.DriverID] = p
	return nil
}

func (g *MemoryIndex) SetOffline(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.drivers[driverID]; ok {
		p.Online = false
		g.drivers[driverID] = p
	}
	return nil
}

func (g *MemoryIndex) Nearby(_ context.Context, lat, lon, radiusMeters float64, limit int) ([]models.NearbyDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.staleAfter)
	out := make([]models.NearbyDriver, 0, limit)
	for _, p := range g.drivers {
		if !p.Online {
			continue
		}
		if g.staleAfter > 0 && p.Updated.Before(cutoff) {
			continue // treated offline after the staleness window
		}
		dist := Haversine(lat, lon, p.Lat, p.Lon)
		if dist > radiusMeters {
			continue
		}
		out = append(out, models.NearbyDriver{DriverPresence: p, DistanceMeters: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
