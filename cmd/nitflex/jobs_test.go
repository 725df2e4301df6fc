package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRenderJobs(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*domain.Job{
		{
			ID:        "0123456789abcdef",
			JobSpec:   domain.JobSpec{Type: domain.JobTypeMovie, InputPath: "/in/a.mkv", Metadata: domain.Metadata{Title: "Heat"}},
			Stage:     domain.StageTranscoding,
			Progress:  42.5,
			ETA:       125,
			CreatedAt: now.Add(-2 * time.Minute),
		},
		{
			ID: "ep",
			JobSpec: domain.JobSpec{Type: domain.JobTypeEpisode, InputPath: "/in/b.mkv", Metadata: domain.Metadata{
				SeriesTitle: "Lost", SeasonNumber: 1, EpisodeNumber: 4,
			}},
			Stage:        domain.StageFailed,
			ErrorMessage: "move failed: disk full",
			CreatedAt:    now.Add(-time.Hour),
		},
	}

	out := renderJobs(jobs, now)
	for _, want := range []string{"01234567", "Heat", "transcoding", "42.5%", "Lost S01E04", "move failed: disk full", "2 minutes ago"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "0123456789abcdef")
}

func TestJobTitleFallsBackToInput(t *testing.T) {
	j := &domain.Job{JobSpec: domain.JobSpec{Type: domain.JobTypeMovie, InputPath: "/in/raw.mkv"}}
	assert.Equal(t, "/in/raw.mkv", jobTitle(j))
	assert.Equal(t, "-", formatETA(j))
}

func TestJobsListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		_ = json.NewEncoder(w).Encode([]*domain.Job{{
			ID:        "job-1",
			JobSpec:   domain.JobSpec{Type: domain.JobTypeMovie, InputPath: "/in/a.mkv"},
			Stage:     domain.StageQueued,
			CreatedAt: time.Now(),
		}})
	}))
	defer srv.Close()

	out, err := runCommand(t, "jobs", "list", "--active", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "queued")
}

func TestJobsListRejectsUnknownStage(t *testing.T) {
	_, err := runCommand(t, "jobs", "list", "--stage", "paused", "--addr", "localhost:1")
	assert.ErrorContains(t, err, "unknown stage")
}

func TestJobsSubmitCommand(t *testing.T) {
	var got domain.JobSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"fresh"}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "jobs", "submit", "/in/ep.mkv", "--episode", "--series", "Lost",
		"--season", "2", "--number", "3", "--audio", "0,1", "--mode", "none", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", out)
	assert.Equal(t, domain.JobTypeEpisode, got.Type)
	assert.Equal(t, domain.TranscodeModeNone, got.TranscodeMode)
	assert.Equal(t, []int{0, 1}, got.TranscodeOptions.AudioStreams)
	assert.Equal(t, 3, got.Metadata.EpisodeNumber)
}

func TestJobsSubmitValidatesLocally(t *testing.T) {
	_, err := runCommand(t, "jobs", "submit", "/in/a.mkv", "--mode", "cloud", "--addr", "localhost:1")
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestJobsActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs/a/cancel":
			_, _ = w.Write([]byte(`{"id":"a","stage":"canceled"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/jobs/a/retry":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"b"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/jobs/a":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer srv.Close()

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"jobs", "cancel", "a"}, "a canceled\n"},
		{[]string{"jobs", "retry", "a"}, "b\n"},
		{[]string{"jobs", "delete", "a"}, "deleted a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.args[1], func(t *testing.T) {
			out, err := runCommand(t, append(tt.args, "--addr", srv.URL)...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	_, err := runCommand(t, "jobs", "delete", "zzz", "--addr", srv.URL)
	assert.ErrorContains(t, err, "job zzz not found")
}

func TestHWAccelRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accel":"vaapi","videoCodec":"h264_vaapi","inputArgs":["-vaapi_device","/dev/dri/renderD128"]}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "hwaccel", "--remote", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "h264_vaapi")
	assert.Contains(t, out, "-vaapi_device /dev/dri/renderD128")
}
