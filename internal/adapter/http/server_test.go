package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	bc        *service.Broadcaster
	jobs      []*domain.Job
	submitted []domain.JobSpec
	submitErr error
	opErr     error
}

func newFakeJobs(jobs ...*domain.Job) *fakeJobs {
	return &fakeJobs{bc: service.NewBroadcaster(16), jobs: jobs}
}

func (f *fakeJobs) Submit(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, spec)
	return &domain.Job{ID: "new-job", JobSpec: spec, Stage: domain.StageQueued}, nil
}

func (f *fakeJobs) find(id string) (*domain.Job, error) {
	for _, j := range f.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobs) Get(ctx context.Context, id string) (*domain.Job, error) {
	return f.find(id)
}

func (f *fakeJobs) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if filter.Match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	job, err := f.find(id)
	if err != nil {
		return nil, err
	}
	if f.opErr != nil {
		return job, f.opErr
	}
	job.Stage = domain.StageCanceled
	return job, nil
}

func (f *fakeJobs) Retry(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := f.find(id); err != nil {
		return nil, err
	}
	if f.opErr != nil {
		return nil, f.opErr
	}
	return &domain.Job{ID: "retry-job", RetryOf: id, Stage: domain.StageQueued}, nil
}

func (f *fakeJobs) Delete(ctx context.Context, id string) error {
	if _, err := f.find(id); err != nil {
		return err
	}
	return f.opErr
}

func (f *fakeJobs) Subscribe(ctx context.Context) *service.Subscription {
	return f.bc.Subscribe(ctx)
}

type fakeProber struct {
	result *domain.ProbeResult
	err    error
}

func (p *fakeProber) Probe(ctx context.Context, path string) (*domain.ProbeResult, error) {
	return p.result, p.err
}

func acceptAll(path string) (string, error) { return "video/x-matroska", nil }

func newTestServer(jobs *fakeJobs, opts ServerOptions) *Server {
	if opts.CheckInput == nil {
		opts.CheckInput = acceptAll
	}
	return NewServer(jobs, opts)
}

func sampleJobs() []*domain.Job {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var jobs []*domain.Job
	stages := []domain.Stage{domain.StageCompleted, domain.StageFailed, domain.StageTranscoding, domain.StageQueued}
	for i, st := range stages {
		jobs = append(jobs, &domain.Job{
			ID:        fmt.Sprintf("job-%d", i),
			JobSpec:   domain.JobSpec{Type: domain.JobTypeMovie, InputPath: "/in.mkv", Metadata: domain.Metadata{Title: fmt.Sprintf("Movie %d", i)}},
			Stage:     st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return jobs
}

func do(t *testing.T, srv http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", domain.ErrInvalidSpec), http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("x: %w", domain.ErrNotCancelable), http.StatusConflict},
		{domain.ErrNotRetryable, http.StatusConflict},
		{domain.ErrNotTerminal, http.StatusConflict},
		{domain.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(newFakeJobs(sampleJobs()...), ServerOptions{})

	tests := []struct {
		name   string
		query  string
		status int
		ids    []string
	}{
		{name: "newest first", query: "", status: http.StatusOK, ids: []string{"job-3", "job-2", "job-1", "job-0"}},
		{name: "limit", query: "?limit=2", status: http.StatusOK, ids: []string{"job-3", "job-2"}},
		{name: "active only", query: "?active=true", status: http.StatusOK, ids: []string{"job-3", "job-2"}},
		{name: "by stage", query: "?stage=failed,completed", status: http.StatusOK, ids: []string{"job-1", "job-0"}},
		{name: "bad limit", query: "?limit=0", status: http.StatusBadRequest},
		{name: "bad active", query: "?active=maybe", status: http.StatusBadRequest},
		{name: "bad stage", query: "?stage=paused", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodGet, "/jobs"+tt.query, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			var jobs []domain.Job
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
			var ids []string
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestServer(newFakeJobs(), ServerOptions{}), http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetJob(t *testing.T) {
	srv := newTestServer(newFakeJobs(sampleJobs()...), ServerOptions{})

	rec := do(t, srv, http.MethodGet, "/jobs/job-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, domain.StageTranscoding, job.Stage)

	rec = do(t, srv, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"job not found"}`, rec.Body.String())
}

func TestCreateJob(t *testing.T) {
	valid := `{"type":"movie","inputPath":"/uploads/heat.mkv","transcodeMode":"server","metadata":{"title":"Heat"}}`

	tests := []struct {
		name       string
		body       string
		checkInput InputChecker
		submitErr  error
		status     int
	}{
		{name: "created", body: valid, status: http.StatusCreated},
		{name: "malformed", body: `{"type":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"type":"movie","inputPath":"/a","color":"red"}`, status: http.StatusBadRequest},
		{name: "invalid spec", body: `{"type":"podcast","inputPath":"/a"}`, status: http.StatusBadRequest},
		{
			name:       "not a video",
			body:       valid,
			checkInput: func(string) (string, error) { return "", errors.New("file is not a supported video container") },
			status:     http.StatusBadRequest,
		},
		{name: "scheduler closed", body: valid, submitErr: domain.ErrSchedulerClosed, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			jobs.submitErr = tt.submitErr
			srv := newTestServer(jobs, ServerOptions{CheckInput: tt.checkInput})

			rec := do(t, srv, http.MethodPost, "/jobs", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.status == http.StatusCreated {
				assert.JSONEq(t, `{"id":"new-job"}`, rec.Body.String())
				assert.Equal(t, "/jobs/new-job", rec.Header().Get("Location"))
				require.Len(t, jobs.submitted, 1)
				assert.Equal(t, "Heat", jobs.submitted[0].Metadata.Title)
			} else {
				assert.Empty(t, jobs.submitted)
			}
		})
	}
}

func TestJobActions(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		opErr  error
		status int
	}{
		{name: "cancel", method: http.MethodPost, target: "/jobs/job-3/cancel", status: http.StatusOK},
		{name: "cancel not cancelable", method: http.MethodPost, target: "/jobs/job-3/cancel", opErr: domain.ErrNotCancelable, status: http.StatusConflict},
		{name: "cancel missing", method: http.MethodPost, target: "/jobs/nope/cancel", status: http.StatusNotFound},
		{name: "retry", method: http.MethodPost, target: "/jobs/job-1/retry", status: http.StatusCreated},
		{name: "retry not failed", method: http.MethodPost, target: "/jobs/job-0/retry", opErr: domain.ErrNotRetryable, status: http.StatusConflict},
		{name: "delete", method: http.MethodDelete, target: "/jobs/job-0", status: http.StatusNoContent},
		{name: "delete active", method: http.MethodDelete, target: "/jobs/job-2", opErr: domain.ErrNotTerminal, status: http.StatusConflict},
		{name: "delete missing", method: http.MethodDelete, target: "/jobs/nope", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, target: "/jobs/job-0/cancel", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs(sampleJobs()...)
			jobs.opErr = tt.opErr
			rec := do(t, newTestServer(jobs, ServerOptions{}), tt.method, tt.target, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRetryReturnsNewID(t *testing.T) {
	rec := do(t, newTestServer(newFakeJobs(sampleJobs()...), ServerOptions{}), http.MethodPost, "/jobs/job-1/retry", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"retry-job"}`, rec.Body.String())
}

func TestHWAccel(t *testing.T) {
	cfg := domain.EncoderConfig{Accel: domain.AccelVAAPI, VideoCodec: "h264_vaapi", InputArgs: []string{"-hwaccel", "vaapi"}}
	rec := do(t, newTestServer(newFakeJobs(), ServerOptions{Encoder: cfg}), http.MethodGet, "/hwaccel", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.EncoderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cfg.Accel, got.Accel)
	assert.Equal(t, cfg.VideoCodec, got.VideoCodec)
}

func TestProbe(t *testing.T) {
	prober := &fakeProber{result: &domain.ProbeResult{
		Format: domain.ProbeFormat{Duration: "120.5"},
		Streams: []domain.ProbeStream{
			{Index: 0, CodecType: "video", CodecName: "h264", Width: 1920, Height: 1080},
			{Index: 1, CodecType: "audio", CodecName: "aac", Channels: 2, Tags: map[string]string{"language": "eng"}},
		},
	}}

	t.Run("tracks", func(t *testing.T) {
		rec := do(t, newTestServer(newFakeJobs(), ServerOptions{Prober: prober}), http.MethodPost, "/probe", `{"path":"/in.mkv"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp probeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 120.5, resp.Duration)
		assert.Equal(t, "video/x-matroska", resp.MIME)
		require.NotNil(t, resp.Video)
		assert.Equal(t, 1920, resp.Video.Width)
		require.Len(t, resp.Tracks.Audio, 1)
		assert.Equal(t, "eng", resp.Tracks.Audio[0].Lang)
	})

	t.Run("missing path", func(t *testing.T) {
		rec := do(t, newTestServer(newFakeJobs(), ServerOptions{Prober: prober}), http.MethodPost, "/probe", `{"path":" "}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("probe failure", func(t *testing.T) {
		failing := &fakeProber{err: errors.New("ffprobe failed")}
		rec := do(t, newTestServer(newFakeJobs(), ServerOptions{Prober: failing}), http.MethodPost, "/probe", `{"path":"/in.mkv"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("no prober", func(t *testing.T) {
		rec := do(t, newTestServer(newFakeJobs(), ServerOptions{}), http.MethodPost, "/probe", `{"path":"/in.mkv"}`)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(newFakeJobs(), ServerOptions{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Positive(t, resp.Goroutines)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestDashboard(t *testing.T) {
	jobs := sampleJobs()
	jobs[1].ErrorMessage = "ffmpeg exited with code 1"
	jobs[3].Metadata.Title = "<script>alert(1)</script>"
	srv := newTestServer(newFakeJobs(jobs...), ServerOptions{Encoder: domain.EncoderConfig{Accel: domain.AccelSoftware, VideoCodec: "libx264"}})

	rec := do(t, srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "libx264")
	assert.Contains(t, body, `id="job-2"`)
	assert.Contains(t, body, "ffmpeg exited with code 1")
	assert.Contains(t, body, "&lt;script&gt;alert(1)&lt;/script&gt;")
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Less(t, strings.Index(body, "job-3"), strings.Index(body, "job-0"))
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data += strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestEventsStream(t *testing.T) {
	jobs := newFakeJobs()
	ts := httptest.NewServer(newTestServer(jobs, ServerOptions{KeepAlive: 50 * time.Millisecond}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/jobs/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	event, _ := readEvent(t, r)
	assert.Equal(t, "connected", event)

	jobs.bc.Publish(domain.JobUpdate{JobID: "job-1", Stage: domain.StageTranscoding, Progress: 42})
	for {
		event, data := readEvent(t, r)
		if event == "keepalive" {
			continue
		}
		require.Equal(t, "job-update", event)
		var u domain.JobUpdate
		require.NoError(t, json.Unmarshal([]byte(data), &u))
		assert.Equal(t, "job-1", u.JobID)
		assert.Equal(t, 42.0, u.Progress)
		break
	}

	event, _ = readEvent(t, r)
	assert.Equal(t, "keepalive", event)

	cancel()
	require.Eventually(t, func() bool { return jobs.bc.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	jobs := newFakeJobs()
	ts := httptest.NewServer(newTestServer(jobs, ServerOptions{}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/jobs/ws", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)

	jobs.bc.Publish(domain.JobUpdate{JobID: "job-9", Stage: domain.StageMoving})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg = wsMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "job-update", msg.Type)
	require.NotNil(t, msg.Update)
	assert.Equal(t, "job-9", msg.Update.JobID)
	assert.Equal(t, domain.StageMoving, msg.Update.Stage)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return jobs.bc.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
