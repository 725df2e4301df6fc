package http

import (
	"net/http"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/adapter/http/middleware"
	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

type Server struct {
	mux      *http.ServeMux
	handlers *Handlers
	stream   *StreamHandler
	handler  http.Handler
}

type ServerOptions struct {
	Prober    port.Prober
	Encoder   domain.EncoderConfig
	KeepAlive time.Duration
	// CheckInput overrides the container sniffing done on submitted paths.
	CheckInput InputChecker
}

func NewServer(jobs JobService, opts ServerOptions) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		handlers: NewHandlers(jobs, opts.Prober, opts.Encoder, opts.CheckInput),
		stream:   NewStreamHandler(jobs, opts.KeepAlive),
	}
	s.registerRoutes()
	s.handler = middleware.Recover(middleware.RequestLogger(middleware.SecurityHeaders(s.mux)))
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handlers.Dashboard())
	s.mux.HandleFunc("GET /healthz", s.handlers.Healthz())
	s.mux.HandleFunc("GET /hwaccel", s.handlers.HWAccel())
	s.mux.HandleFunc("POST /probe", s.handlers.Probe())

	s.mux.HandleFunc("GET /jobs", s.handlers.ListJobs())
	s.mux.HandleFunc("POST /jobs", s.handlers.CreateJob())
	s.mux.HandleFunc("GET /jobs/stream", s.stream.Events())
	s.mux.HandleFunc("GET /jobs/ws", s.stream.WebSocket())
	s.mux.HandleFunc("GET /jobs/{id}", s.handlers.GetJob())
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handlers.DeleteJob())
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handlers.CancelJob())
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.handlers.RetryJob())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
