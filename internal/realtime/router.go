// Package realtime delivers lifecycle events to connected clients.
// Delivery is best-effort and at-most-once per connection: if nobody is
// subscribed the event is dropped, and clients reconcile state on
// reconnect. There is no persistent outbox.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// Channel is one live delivery path to a client. Send must never block;
// implementations drop on overflow.
type Channel interface {
	Send(ev models.Event) error
	Close() error
}

type subKey struct {
	userID string
	role   Role
}

// Router maps (user id, role) to zero-or-more active channels,
// independent of how a channel is transported.
type Router struct {
	mu     sync.RWMutex
	subs   map[subKey][]Channel
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{subs: make(map[subKey][]Channel), logger: logger}
}

func (r *Router) Subscribe(userID string, role Role, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{userID, role}
	r.subs[k] = append(r.subs[k], ch)
	observability.WSConnections.Inc()
}

func (r *Router) Unsubscribe(userID string, role Role, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{userID, role}
	chans := r.subs[k]
	for i, c := range chans {
		if c == ch {
			r.subs[k] = append(chans[:i], chans[i+1:]...)
			observability.WSConnections.Dec()
			break
		}
	}
	if len(r.subs[k]) == 0 {
		delete(r.subs, k)
	}
}

// Publish delivers the event to every channel registered for the target.
// Failures are isolated per channel; a slow or dead connection never
// blocks the caller or starves its siblings.
func (r *Router) Publish(userID string, role Role, ev models.Event) {
	r.mu.RLock()
	chans := append([]Channel(nil), r.subs[subKey{userID, role}]...)
	r.mu.RUnlock()

	if len(chans) == 0 {
		observability.EventsDropped.Inc()
		return
	}
	for _, ch := range chans {
		if err := ch.Send(ev); err != nil {
			observability.EventsDropped.Inc()
			r.logger.Warn("realtime send failed",
				"user_id", userID, "role", string(role), "event", string(ev.Type), "error", err)
		}
	}
}
