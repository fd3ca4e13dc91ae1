package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
)

// tripPayload accepts the flat field names the mobile clients send,
// plus a nested form for callers that already hold Place values.
type tripPayload struct {
	Origin      models.Place `json:"origin"`
	Destination models.Place `json:"destination"`
	Category    string       `json:"category"`

	OriginAddress      string  `json:"origin_address"`
	OriginLat          float64 `json:"origin_lat"`
	OriginLon          float64 `json:"origin_lon"`
	DestinationAddress string  `json:"destination_address"`
	DestinationLat     float64 `json:"destination_lat"`
	DestinationLon     float64 `json:"destination_lon"`
}

func (p tripPayload) endpoints() (origin, destination models.Place) {
	origin, destination = p.Origin, p.Destination
	if origin == (models.Place{}) {
		origin = models.Place{Address: p.OriginAddress, Lat: p.OriginLat, Lon: p.OriginLon}
	}
	if destination == (models.Place{}) {
		destination = models.Place{Address: p.DestinationAddress, Lat: p.DestinationLat, Lon: p.DestinationLon}
	}
	return origin, destination
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var body tripPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "malformed body")
		return
	}
	origin, destination := body.endpoints()
	est, err := s.Pricing.Estimate(origin, destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	passengerID, ok := s.requireRole(w, r, realtime.RolePassenger)
	if !ok {
		return
	}
	var body tripPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "malformed body")
		return
	}
	origin, destination := body.endpoints()
	est, err := s.Pricing.Estimate(origin, destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.Registry.Request(r.Context(), passengerID, origin, destination, body.Category, est.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Dispatch.Dispatch(ride)
	s.writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleRideGet(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Registry.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Dispatch.Accept(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	s.Dispatch.Decline(mux.Vars(r)["ride_id"], driverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArriving(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Registry.Arriving(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Registry.Start(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		FinalPrice float64 `json:"final_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "malformed body")
		return
	}
	ride, err := s.Registry.Finish(r.Context(), mux.Vars(r)["ride_id"], driverID, models.MoneyFromFloat(body.FinalPrice))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := s.identity(r)
	if !ok {
		s.writeErrorCode(w, http.StatusUnauthorized, "missing identity headers")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // reason is optional

	rideID := mux.Vars(r)["ride_id"]
	actorRole := rides.ActorPassenger
	if role == realtime.RoleDriver {
		actorRole = rides.ActorDriver
	}
	ride, err := s.Registry.Cancel(r.Context(), rideID, actorID, actorRole, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if actorRole == rides.ActorPassenger {
		s.Dispatch.HandleCancelled(rideID)
	} else {
		// Driver walked away; the ride is open again, look for
		// another driver.
		s.Dispatch.Dispatch(ride)
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(queryParam(q, "latitude", "lat"), 64)
	lon, errLon := strconv.ParseFloat(queryParam(q, "longitude", "lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	radiusKm := 5.0
	if v, err := strconv.ParseFloat(queryParam(q, "radius", "radius_km"), 64); err == nil && v > 0 {
		radiusKm = v
	}
	limit := 10
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	found, err := s.Geo.Nearby(r.Context(), lat, lon, radiusKm*1000, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": found})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "malformed body")
		return
	}
	if p.DriverID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	p.Online = true
	p.Updated = time.Now().UTC()
	if s.Kafka != nil {
		if err := s.Kafka.PublishPresence(p); err != nil {
			s.logger.Error("presence publish failed", "driver_id", p.DriverID, "error", err)
		}
	} else if err := s.Geo.Upsert(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryParam returns the first non-empty value among the given names.
// The names the mobile clients use come first, aliases after.
func queryParam(q url.Values, names ...string) string {
	for _, n := range names {
		if v := q.Get(n); v != "" {
			return v
		}
	}
	return ""
}
