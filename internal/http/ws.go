package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS upgrades the connection and registers it for realtime
// events. Identity comes from query params; the gateway validates the
// token before the request reaches us.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("token")
	role := realtime.Role(r.URL.Query().Get("role"))
	if userID == "" || (role != realtime.RoleDriver && role != realtime.RolePassenger) {
		http.Error(w, "token and role are required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}

	ch := realtime.NewWSChannel(conn)
	s.Events.Subscribe(userID, role, ch)
	if role == realtime.RoleDriver {
		observability.DriversOnline.Inc()
	}
	_ = ch.Send(models.NewEvent(models.EventConnectionAck, map[string]any{
		"user_id": userID,
		"role":    string(role),
	}))

	defer func() {
		s.Events.Unsubscribe(userID, role, ch)
		_ = ch.Close()
		if role == realtime.RoleDriver {
			_ = s.Geo.SetOffline(context.Background(), userID)
			observability.DriversOnline.Dec()
		}
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if role == realtime.RoleDriver && ev.Type == models.EventDriverLocation {
			s.applyLocationEvent(r.Context(), userID, ev)
		}
	}
}

func (s *Server) applyLocationEvent(ctx context.Context, driverID string, ev models.Event) {
	p := models.DriverPresence{
		DriverID: driverID,
		Lat:      floatField(ev, "lat"),
		Lon:      floatField(ev, "lon"),
		Heading:  floatField(ev, "heading"),
		Online:   true,
		Updated:  time.Now().UTC(),
	}
	if v, ok := ev.Fields["category"].(string); ok {
		p.Category = v
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPresence(p); err != nil {
			s.logger.Error("presence publish failed", "driver_id", driverID, "error", err)
		}
		return
	}
	if err := s.Geo.Upsert(ctx, p); err != nil {
		s.logger.Error("presence upsert failed", "driver_id", driverID, "error", err)
	}
}

func floatField(ev models.Event, key string) float64 {
	v, _ := ev.Fields[key].(float64)
	return v
}
