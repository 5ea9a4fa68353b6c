package httpapi

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pricefeed/internal/model"
	"pricefeed/internal/publish"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

type wsEnvelope struct {
	Type   string               `json:"type"`
	Prices []model.DerivedPrice `json:"prices"`
	SentAt time.Time            `json:"sent_at"`
}

// wsClient streams snapshots from one subscription to one peer.
type wsClient struct {
	conn   *websocket.Conn
	sub    *publish.Subscription
	logger zerolog.Logger
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{
		conn:   conn,
		sub:    s.svc.Subscribe(),
		logger: s.logger.With().Str("remote", c.ClientIP()).Logger(),
	}
	client.logger.Debug().Msg("ws client connected")

	go client.writePump()
	client.readPump()
}

// writePump sends every snapshot, skipping ones superseded while a write was
// in progress, and pings the peer periodically.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-c.sub.C():
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for n := len(c.sub.C()); n > 0; n-- {
				next, ok := <-c.sub.C()
				if !ok {
					break
				}
				snap = next
			}
			payload, err := json.Marshal(wsEnvelope{Type: "prices", Prices: snap, SentAt: time.Now().UTC()})
			if err != nil {
				c.logger.Error().Err(err).Msg("encode snapshot")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and keeps the read deadline alive. It
// returns when the peer goes away and then releases the subscription.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		c.conn.Close()
		c.logger.Debug().Msg("ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
