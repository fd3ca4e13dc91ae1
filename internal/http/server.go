// Package httpapi exposes the ride and wallet APIs over REST plus a
// websocket endpoint for realtime events.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fault"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/wallet"
)

type Server struct {
	Registry *rides.Registry
	Dispatch *dispatch.Dispatcher
	Ledger   *wallet.Ledger
	Pricing  *pricing.Service
	Geo      geo.Index
	Events   *realtime.Router
	Kafka    *ingest.KafkaProducer // optional; direct geo upsert when nil

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *rides.Registry, disp *dispatch.Dispatcher, ledger *wallet.Ledger, prc *pricing.Service, g geo.Index, events *realtime.Router, kp *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		Registry: reg,
		Dispatch: disp,
		Ledger:   ledger,
		Pricing:  prc,
		Geo:      g,
		Events:   events,
		Kafka:    kp,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods("POST")
	api.HandleFunc("/rides/request", s.handleRideRequest).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleRideGet).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/decline", s.handleDecline).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/arriving", s.handleArriving).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/finish", s.handleFinish).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/passengers/drivers/nearby", s.handleNearby).Methods("GET")

	api.HandleFunc("/wallet/drivers/me/wallet", s.handleWalletGet).Methods("GET")
	api.HandleFunc("/wallet/drivers/me/wallet/transactions", s.handleWalletTransactions).Methods("GET")
	api.HandleFunc("/wallet/drivers/me/withdrawals", s.handleWithdraw).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// identity reads the caller from headers. Auth proper lives at the
// gateway; these headers are trusted inside the perimeter.
func (s *Server) identity(r *http.Request) (id string, role realtime.Role, ok bool) {
	id = r.Header.Get("X-User-ID")
	role = realtime.Role(r.Header.Get("X-User-Role"))
	if id == "" || (role != realtime.RoleDriver && role != realtime.RolePassenger) {
		return "", "", false
	}
	return id, role, true
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, want realtime.Role) (string, bool) {
	id, role, ok := s.identity(r)
	if !ok {
		s.writeErrorCode(w, http.StatusUnauthorized, "missing identity headers")
		return "", false
	}
	if role != want {
		s.writeErrorCode(w, http.StatusForbidden, "wrong role for this operation")
		return "", false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrNoDrivers):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrExternal):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.writeErrorCode(w, status, "internal error")
		return
	}
	s.writeErrorCode(w, status, err.Error())
}
