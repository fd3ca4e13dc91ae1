package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
)

func (s *Server) handleWalletGet(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	acct, err := s.Ledger.Account(r.Context(), driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	txs, err := s.Ledger.Transactions(r.Context(), driverID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireRole(w, r, realtime.RoleDriver)
	if !ok {
		return
	}
	var body struct {
		Amount float64 `json:"amount"`
		Target string  `json:"target"` // bank/PIX alias forwarded to the payout provider
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "malformed body")
		return
	}
	tx, err := s.Ledger.Withdraw(r.Context(), driverID, models.MoneyFromFloat(body.Amount), body.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tx)
}
