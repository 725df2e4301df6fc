package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/adapter/http/templates"
	"github.com/AdlarX9/nitflex-sub000/internal/adapter/http/validation"
	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/AdlarX9/nitflex-sub000/internal/service"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type JobService interface {
	Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
	Retry(ctx context.Context, id string) (*domain.Job, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context) *service.Subscription
}

// InputChecker inspects a submitted input path and returns its MIME type.
type InputChecker func(path string) (string, error)

type Handlers struct {
	jobs       JobService
	prober     port.Prober
	encoder    domain.EncoderConfig
	checkInput InputChecker
	started    time.Time
}

func NewHandlers(jobs JobService, prober port.Prober, encoder domain.EncoderConfig, checkInput InputChecker) *Handlers {
	if checkInput == nil {
		checkInput = validation.CheckMediaFile
	}
	return &Handlers{
		jobs:       jobs,
		prober:     prober,
		encoder:    encoder,
		checkInput: checkInput,
		started:    time.Now(),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type idResponse struct {
	ID string `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn.Printf("encode response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotCancelable),
		errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, domain.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error.Printf("%s %s: %v", r.Method, logger.SanitizeForLog(r.URL.Path), err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body: %v", err)
		return false
	}
	return true
}

// parseListQuery reads active, stage and limit from the query string.
func parseListQuery(r *http.Request) (domain.JobFilter, int, error) {
	q := r.URL.Query()
	var filter domain.JobFilter

	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return filter, 0, fmt.Errorf("invalid active value %q", v)
		}
		filter.Active = active
	}
	if v := q.Get("stage"); v != "" {
		for _, name := range strings.Split(v, ",") {
			stage := domain.Stage(strings.TrimSpace(name))
			if !stage.Valid() {
				return filter, 0, fmt.Errorf("unknown stage %q", name)
			}
			filter.Stages = append(filter.Stages, stage)
		}
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = min(n, maxListLimit)
	}
	return filter, limit, nil
}

// newestFirst reverses the store order and keeps the first limit jobs.
func newestFirst(jobs []*domain.Job, limit int) []*domain.Job {
	jobs = slices.Clone(jobs)
	slices.Reverse(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	return jobs
}

func (h *Handlers) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, limit, err := parseListQuery(r)
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		jobs, err := h.jobs.List(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newestFirst(jobs, limit))
	}
}

func (h *Handlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *Handlers) CreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec domain.JobSpec
		if !decodeBody(w, r, &spec) {
			return
		}
		if err := spec.Validate(); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := h.checkInput(spec.InputPath); err != nil {
			writeError(w, r, fmt.Errorf("%w: inputPath: %v", domain.ErrInvalidSpec, err))
			return
		}

		job, err := h.jobs.Submit(r.Context(), spec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/jobs/"+job.ID)
		writeJSON(w, http.StatusCreated, idResponse{ID: job.ID})
	}
}

func (h *Handlers) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobs.Cancel(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *Handlers) RetryJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := h.jobs.Retry(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/jobs/"+job.ID)
		writeJSON(w, http.StatusCreated, idResponse{ID: job.ID})
	}
}

func (h *Handlers) DeleteJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.jobs.Delete(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) HWAccel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.encoder)
	}
}

type probeRequest struct {
	Path string `json:"path"`
}

type probeResponse struct {
	Path     string        `json:"path"`
	MIME     string        `json:"mime"`
	Duration float64       `json:"duration"`
	Video    *videoSummary `json:"video,omitempty"`
	Tracks   domain.Tracks `json:"tracks"`
}

type videoSummary struct {
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (h *Handlers) Probe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.prober == nil {
			writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "probing is not available"})
			return
		}
		var req probeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			badRequest(w, "path is required")
			return
		}
		mime, err := h.checkInput(req.Path)
		if err != nil {
			badRequest(w, "%v", err)
			return
		}

		res, err := h.prober.Probe(r.Context(), req.Path)
		if err != nil {
			logger.Warn.Printf("probe %s: %v", logger.SanitizeForLog(req.Path), err)
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
			return
		}

		resp := probeResponse{
			Path:     req.Path,
			MIME:     mime,
			Duration: res.Duration(),
			Tracks:   res.Tracks(),
		}
		if v := res.VideoStream(); v != nil {
			resp.Video = &videoSummary{Codec: v.CodecName, Width: v.Width, Height: v.Height}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Since      string `json:"since"`
	Goroutines int    `json:"goroutines"`
	Memory     string `json:"memory,omitempty"`
}

func (h *Handlers) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:     "ok",
			Uptime:     time.Since(h.started).Round(time.Second).String(),
			Since:      humanize.Time(h.started),
			Goroutines: runtime.NumGoroutine(),
		}
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil {
				resp.Memory = humanize.IBytes(mem.RSS)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handlers) Dashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := h.jobs.List(r.Context(), domain.JobFilter{})
		if err != nil {
			logger.Error.Printf("dashboard list error: %v", err)
			jobs = nil
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := templates.Dashboard(newestFirst(jobs, maxListLimit), h.encoder).Render(r.Context(), w); err != nil {
			logger.Error.Printf("render dashboard: %v", err)
		}
	}
}
