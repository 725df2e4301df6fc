package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/gorilla/websocket"
)

const defaultKeepAlive = 30 * time.Second

// StreamHandler pushes live job updates over SSE and websockets.
type StreamHandler struct {
	jobs      JobService
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamHandler(jobs JobService, keepAlive time.Duration) *StreamHandler {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &StreamHandler{
		jobs:      jobs,
		keepAlive: keepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sseJSON(w http.ResponseWriter, eventName string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn.Printf("encode %s event: %v", eventName, err)
		return
	}
	sseWrite(w, eventName, string(data))
}

type resyncEvent struct {
	Dropped uint64 `json:"dropped"`
}

type clockEvent struct {
	Time time.Time `json:"time"`
}

// Events streams every job update as a "job-update" event. A "resync" event
// precedes the next update whenever this client fell behind and lost some.
func (h *StreamHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		sub := h.jobs.Subscribe(ctx)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sseJSON(w, "connected", clockEvent{Time: time.Now().UTC()})

		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-keepAlive.C:
				sseJSON(w, "keepalive", clockEvent{Time: t.UTC()})
			case u, ok := <-sub.Updates():
				if !ok {
					return
				}
				if n := sub.TakeDropped(); n > 0 {
					sseJSON(w, "resync", resyncEvent{Dropped: n})
				}
				sseJSON(w, "job-update", u)
			}
		}
	}
}
