package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testLogger()
	g := geo.NewMemoryIndex(time.Minute)
	router := realtime.NewRouter(logger)
	notifier := realtime.NewNotifier(router)
	registry := rides.NewRegistry(rides.NewMemoryStore(), notifier, logger)
	ledger := wallet.NewLedger(wallet.NewMemoryStore(), nil, "BRL", 1, logger)

	notifier.On(models.EventRideCompleted, func(ev models.Event) {
		driverID, _ := ev.Fields["driver_id"].(string)
		amount, _ := ev.Fields["final_price"].(models.Money)
		if driverID == "" || amount <= 0 {
			return
		}
		if _, err := ledger.Credit(context.Background(), driverID, amount, "ride:"+ev.RideID()); err != nil {
			t.Errorf("ride credit: %v", err)
		}
	})

	dispatcher := dispatch.New(dispatch.Config{
		RadiiKm:   []float64{2, 5},
		Limit:     8,
		OfferTTL:  2 * time.Second,
		MaxRounds: 2,
		Backoff:   10 * time.Millisecond,
		SpeedMps:  10,
	}, g, registry, router, logger)

	return NewServer(registry, dispatcher, ledger, pricing.NewService(10), g, router, nil, logger)
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, userID, role string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Role", role)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func pingDriver(t *testing.T, ts *httptest.Server, id string, lat, lon float64) {
	t.Helper()
	status, body := doJSON(t, ts, http.MethodPost, "/internal/driver/locations", "", "", map[string]any{
		"driver_id": id, "lat": lat, "lon": lon,
	})
	if status != http.StatusNoContent {
		t.Fatalf("driver ping: status %d body %s", status, body)
	}
}

// Flat field names, exactly as the mobile clients send them.
var trip = map[string]any{
	"origin_address":      "Av. Paulista 1000",
	"origin_lat":          -23.561,
	"origin_lon":          -46.655,
	"destination_address": "Rua Augusta 500",
	"destination_lat":     -23.551,
	"destination_lon":     -46.644,
}

func TestRideEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pingDriver(t, ts, "driver-a", -23.5612, -46.6551)
	pingDriver(t, ts, "driver-b", -23.5620, -46.6560)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "passenger-1", "passenger", trip)
	if status != http.StatusCreated {
		t.Fatalf("request: status %d body %s", status, body)
	}
	var ride models.Ride
	if err := json.Unmarshal(body, &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	if ride.Status != models.StatusRequested || ride.Estimated <= 0 {
		t.Fatalf("unexpected ride: %+v", ride)
	}

	// Two drivers race for the same ride; exactly one wins.
	statusA, bodyA := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-a", "driver", nil)
	statusB, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-b", "driver", nil)
	if statusA != http.StatusOK || statusB != http.StatusConflict {
		t.Fatalf("accept race: a=%d b=%d", statusA, statusB)
	}
	var accepted models.Ride
	if err := json.Unmarshal(bodyA, &accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.DriverID != "driver-a" {
		t.Fatalf("expected driver-a bound, got %q", accepted.DriverID)
	}

	for _, step := range []string{"arriving", "start"} {
		status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/"+step, "driver-a", "driver", nil)
		if status != http.StatusOK {
			t.Fatalf("%s: status %d body %s", step, status, body)
		}
	}

	status, body = doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/finish", "driver-a", "driver", map[string]any{"final_price": 25.50})
	if status != http.StatusOK {
		t.Fatalf("finish: status %d body %s", status, body)
	}
	var done models.Ride
	json.Unmarshal(body, &done)
	if done.Status != models.StatusCompleted || done.FinalPrice != models.MoneyFromFloat(25.50) {
		t.Fatalf("unexpected completion: %+v", done)
	}

	// Earnings land in the blocked balance.
	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/wallet/drivers/me/wallet", "driver-a", "driver", nil)
	if status != http.StatusOK {
		t.Fatalf("wallet: status %d body %s", status, body)
	}
	var acct models.WalletAccount
	json.Unmarshal(body, &acct)
	if acct.Blocked != models.MoneyFromFloat(25.50) || acct.Available != 0 {
		t.Fatalf("expected 0/25.50, got %s/%s", acct.Available, acct.Blocked)
	}

	// Still under hold, so a withdrawal bounces.
	status, _ = doJSON(t, ts, http.MethodPost, "/api/v1/wallet/drivers/me/withdrawals", "driver-a", "driver", map[string]any{"amount": 10.0, "target": "pix:key"})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("withdrawal under hold: expected 422, got %d", status)
	}

	status, body = doJSON(t, ts, http.MethodGet, "/api/v1/wallet/drivers/me/wallet/transactions", "driver-a", "driver", nil)
	if status != http.StatusOK {
		t.Fatalf("transactions: status %d", status)
	}
	var page struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	json.Unmarshal(body, &page)
	if len(page.Transactions) != 1 || page.Transactions[0].Type != models.TxRideCredit {
		t.Fatalf("expected one ride credit, got %+v", page.Transactions)
	}
}

func TestIdentityAndRoleGuards(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "", "", trip); status != http.StatusUnauthorized {
		t.Fatalf("missing identity: expected 401, got %d", status)
	}
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "d1", "driver", trip); status != http.StatusForbidden {
		t.Fatalf("driver requesting a ride: expected 403, got %d", status)
	}
	if status, _ := doJSON(t, ts, http.MethodGet, "/api/v1/wallet/drivers/me/wallet", "p1", "passenger", nil); status != http.StatusForbidden {
		t.Fatalf("passenger reading a wallet: expected 403, got %d", status)
	}
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/unknown/accept", "d1", "driver", nil); status != http.StatusNotFound {
		t.Fatalf("accept unknown ride: expected 404, got %d", status)
	}
}

func TestEstimateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/estimate", "", "", trip)
	if status != http.StatusOK {
		t.Fatalf("estimate: status %d body %s", status, body)
	}
	var est models.Estimate
	json.Unmarshal(body, &est)
	if est.Price <= 0 || est.DistanceKm <= 0 {
		t.Fatalf("degenerate estimate: %+v", est)
	}

	// The nested form stays accepted as an alias.
	nested := map[string]any{
		"origin":      map[string]any{"address": "Av. Paulista 1000", "lat": -23.561, "lon": -46.655},
		"destination": map[string]any{"address": "Rua Augusta 500", "lat": -23.551, "lon": -46.644},
	}
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/estimate", "", "", nested); status != http.StatusOK {
		t.Fatalf("nested payload: expected 200, got %d", status)
	}

	bad := map[string]any{
		"origin":      map[string]any{"lat": 0, "lon": 0},
		"destination": map[string]any{"lat": 0, "lon": 0},
	}
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/estimate", "", "", bad); status != http.StatusBadRequest {
		t.Fatalf("bad endpoints: expected 400, got %d", status)
	}
}

func TestNearbyEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pingDriver(t, ts, "d1", -23.5612, -46.6551)

	status, body := doJSON(t, ts, http.MethodGet, "/api/v1/passengers/drivers/nearby?latitude=-23.561&longitude=-46.655&radius=2", "", "", nil)
	if status != http.StatusOK {
		t.Fatalf("nearby: status %d body %s", status, body)
	}
	var resp struct {
		Drivers []models.NearbyDriver `json:"drivers"`
	}
	json.Unmarshal(body, &resp)
	if len(resp.Drivers) != 1 || resp.Drivers[0].DriverID != "d1" {
		t.Fatalf("expected d1 nearby, got %+v", resp.Drivers)
	}

	if status, _ := doJSON(t, ts, http.MethodGet, "/api/v1/passengers/drivers/nearby", "", "", nil); status != http.StatusBadRequest {
		t.Fatalf("missing coords: expected 400, got %d", status)
	}
}

func TestDriversOnlineFollowsConnections(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	base := testutil.ToFloat64(observability.DriversOnline)

	// Location pings alone must not move the gauge, no matter how many.
	pingDriver(t, ts, "driver-a", -23.5612, -46.6551)
	pingDriver(t, ts, "driver-a", -23.5613, -46.6552)
	if got := testutil.ToFloat64(observability.DriversOnline); got != base {
		t.Fatalf("location pings moved the gauge: %v -> %v", base, got)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=driver-a&role=driver"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitGauge := func(want float64, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for testutil.ToFloat64(observability.DriversOnline) != want {
			if time.Now().After(deadline) {
				t.Fatalf("%s: gauge stuck at %v, want %v", msg, testutil.ToFloat64(observability.DriversOnline), want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitGauge(base+1, "after connect")
	conn.Close()
	waitGauge(base, "after disconnect")
}

func TestWebsocketReceivesRideEvents(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=passenger-1&role=passenger"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack models.Event
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != models.EventConnectionAck {
		t.Fatalf("expected connection-ack, got %s", ack.Type)
	}

	pingDriver(t, ts, "driver-a", -23.5612, -46.6551)
	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "passenger-1", "passenger", trip)
	if status != http.StatusCreated {
		t.Fatalf("request: status %d body %s", status, body)
	}
	var ride models.Ride
	json.Unmarshal(body, &ride)
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-a", "driver", nil); status != http.StatusOK {
		t.Fatalf("accept: status %d", status)
	}

	var ev models.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != models.EventRideAccepted || ev.RideID() != ride.ID {
		t.Fatalf("expected ride-accepted for %s, got %s for %q", ride.ID, ev.Type, ev.RideID())
	}
	if ev.Fields["driver_id"] != "driver-a" {
		t.Fatalf("event missing driver: %v", ev.Fields)
	}
}

func TestDriverCancelReopensAndRedispatches(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pingDriver(t, ts, "driver-a", -23.5612, -46.6551)
	pingDriver(t, ts, "driver-b", -23.5620, -46.6560)

	_, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "passenger-1", "passenger", trip)
	var ride models.Ride
	json.Unmarshal(body, &ride)

	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-a", "driver", nil); status != http.StatusOK {
		t.Fatalf("accept: status %d", status)
	}
	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", "driver-a", "driver", map[string]any{"reason": "flat tire"})
	if status != http.StatusOK {
		t.Fatalf("driver cancel: status %d body %s", status, body)
	}
	var reopened models.Ride
	json.Unmarshal(body, &reopened)
	if reopened.Status != models.StatusRequested || reopened.DriverID != "" {
		t.Fatalf("expected reopened ride, got %+v", reopened)
	}

	// The other driver can take it.
	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-b", "driver", nil); status != http.StatusOK {
		t.Fatalf("second accept: status %d", status)
	}
}

func TestPassengerCancelTerminates(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	pingDriver(t, ts, "driver-a", -23.5612, -46.6551)
	_, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/request", "passenger-1", "passenger", trip)
	var ride models.Ride
	json.Unmarshal(body, &ride)

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", "passenger-1", "passenger", nil)
	if status != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", status, body)
	}
	var cancelled models.Ride
	json.Unmarshal(body, &cancelled)
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	if status, _ := doJSON(t, ts, http.MethodPost, "/api/v1/rides/"+ride.ID+"/accept", "driver-a", "driver", nil); status != http.StatusConflict {
		t.Fatalf("accept after cancel: expected 409, got %d", status)
	}
}
