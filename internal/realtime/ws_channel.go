package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 32
)

var errChannelFull = errors.New("ws channel buffer full")

// WSChannel adapts a gorilla websocket connection to the Channel
// interface. Writes go through a single pump goroutine so concurrent
// publishers never interleave frames; Send queues and never blocks.
type WSChannel struct {
	conn *websocket.Conn
	out  chan models.Event
	quit chan struct{}
	once sync.Once
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn: conn,
		out:  make(chan models.Event, wsSendBuffer),
		quit: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *WSChannel) Send(ev models.Event) error {
	select {
	case c.out <- ev:
		return nil
	case <-c.quit:
		return websocket.ErrCloseSent
	default:
		// Slow consumer: drop rather than block the publisher.
		return errChannelFull
	}
}

func (c *WSChannel) Close() error {
	c.once.Do(func() { close(c.quit) })
	return c.conn.Close()
}

func (c *WSChannel) writePump() {
	for {
		select {
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				_ = c.Close()
				return
			}
		case <-c.quit:
			return
		}
	}
}
