package http

import (
	"context"
	"net/http"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

type wsMessage struct {
	Type    string            `json:"type"`
	Update  *domain.JobUpdate `json:"update,omitempty"`
	Dropped uint64            `json:"dropped,omitempty"`
	Time    *time.Time        `json:"time,omitempty"`
}

// WebSocket carries the same stream as Events, one JSON message per frame.
func (h *StreamHandler) WebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug.Printf("websocket upgrade: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.jobs.Subscribe(ctx)
		defer sub.Close()

		// Clients only send control frames; reading detects the close.
		conn.SetReadLimit(512)
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(m wsMessage) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				logger.Debug.Printf("websocket write: %v", err)
				return false
			}
			return true
		}

		now := time.Now().UTC()
		if !send(wsMessage{Type: "connected", Time: &now}) {
			return
		}

		ping := time.NewTicker(h.keepAlive)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				if n := sub.TakeDropped(); n > 0 {
					if !send(wsMessage{Type: "resync", Dropped: n}) {
						return
					}
				}
				if !send(wsMessage{Type: "job-update", Update: &u}) {
					return
				}
			}
		}
	}
}
