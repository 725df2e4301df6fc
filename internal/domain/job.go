package domain

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeMovie   JobType = "movie"
	JobTypeEpisode JobType = "episode"
)

type TranscodeMode string

const (
	TranscodeModeNone   TranscodeMode = "none"
	TranscodeModeServer TranscodeMode = "server"
	TranscodeModeLocal  TranscodeMode = "local"
)

type Stage string

const (
	StageQueued      Stage = "queued"
	StageTranscoding Stage = "transcoding"
	StageTagging     Stage = "tagging"
	StageMoving      Stage = "moving"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageCanceled    Stage = "canceled"
)

// transitions lists every edge of the job state machine. Terminal stages
// have no entry.
var transitions = map[Stage][]Stage{
	StageQueued:      {StageTranscoding, StageTagging, StageCanceled},
	StageTranscoding: {StageTagging, StageFailed, StageCanceled},
	StageTagging:     {StageMoving, StageFailed},
	StageMoving:      {StageCompleted, StageFailed},
}

func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCanceled
}

func (s Stage) Valid() bool {
	switch s {
	case StageQueued, StageTranscoding, StageTagging, StageMoving,
		StageCompleted, StageFailed, StageCanceled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to Stage) bool {
	return slices.Contains(transitions[from], to)
}

type TranscodeOptions struct {
	AudioStreams    []int  `json:"audioStreams,omitempty" validate:"omitempty,dive,gte=0"`
	SubtitleStreams []int  `json:"subtitleStreams,omitempty" validate:"omitempty,dive,gte=0"`
	CRF             int    `json:"crf,omitempty" validate:"gte=0,lte=51"`
	Preset          string `json:"preset,omitempty"`
	AudioBitrate    string `json:"audioBitrate,omitempty"`
}

// Metadata is what the upload intake knows about the media. It drives both
// container tagging and library naming.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Year          string `json:"year,omitempty"`
	Description   string `json:"description,omitempty"`
	Genre         string `json:"genre,omitempty"`
	PosterPath    string `json:"posterPath,omitempty"`
	SeriesTitle   string `json:"seriesTitle,omitempty"`
	SeasonNumber  int    `json:"seasonNumber,omitempty" validate:"gte=0"`
	EpisodeNumber int    `json:"episodeNumber,omitempty" validate:"gte=0"`
}

// JobSpec holds the submission parameters of a job. A retry resubmits the
// same JobSpec.
type JobSpec struct {
	Type             JobType          `json:"type" validate:"required,oneof=movie episode"`
	MediaID          string           `json:"mediaID,omitempty"`
	TmdbID           int              `json:"tmdbID,omitempty" validate:"gte=0"`
	InputPath        string           `json:"inputPath" validate:"required"`
	TranscodeMode    TranscodeMode    `json:"transcodeMode" validate:"omitempty,oneof=none server local"`
	TranscodeOptions TranscodeOptions `json:"transcodeOptions"`
	Metadata         Metadata         `json:"metadata"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the spec and returns an error wrapping ErrInvalidSpec.
func (s JobSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidSpec, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if strings.ContainsRune(s.InputPath, 0) {
		return fmt.Errorf("%w: inputPath contains a null byte", ErrInvalidSpec)
	}
	return nil
}

// Normalized returns a copy with defaults applied. An empty transcode mode
// means server-side encoding.
func (s JobSpec) Normalized() JobSpec {
	if s.TranscodeMode == "" {
		s.TranscodeMode = TranscodeModeServer
	}
	s.TranscodeOptions.AudioStreams = slices.Clone(s.TranscodeOptions.AudioStreams)
	s.TranscodeOptions.SubtitleStreams = slices.Clone(s.TranscodeOptions.SubtitleStreams)
	return s
}

// NeedsEncode reports whether the job goes through the encoder. Both "none"
// and "local" (already transcoded by the client) take the skip path.
func (s JobSpec) NeedsEncode() bool {
	return s.TranscodeMode == TranscodeModeServer || s.TranscodeMode == ""
}

type Job struct {
	ID string `json:"id"`
	JobSpec
	Stage        Stage      `json:"stage"`
	Progress     float64    `json:"progress"`
	ETA          int        `json:"eta,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	OutputPath   string     `json:"outputPath,omitempty"`
	Encoder      Accel      `json:"encoder,omitempty"`
	RetryOf      string     `json:"retryOf,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// NewJob validates spec and returns a queued job with a fresh id.
func NewJob(spec JobSpec, now time.Time) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Job{
		ID:        uuid.NewString(),
		JobSpec:   spec.Normalized(),
		Stage:     StageQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (j *Job) IsTerminal() bool {
	return j.Stage.IsTerminal()
}

// Transition moves the job to stage to, enforcing the state machine.
func (j *Job) Transition(to Stage, now time.Time) error {
	if !CanTransition(j.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Stage, to)
	}
	j.Stage = to
	j.UpdatedAt = now
	switch {
	case to == StageTranscoding:
		j.Progress = 0
		j.ETA = 0
		started := now
		j.StartedAt = &started
	case to.IsTerminal():
		j.ETA = 0
		completed := now
		j.CompletedAt = &completed
	default:
		j.ETA = 0
	}
	return nil
}

// Fail moves the job to failed and records msg. The message is never empty
// on a failed job.
func (j *Job) Fail(msg string, now time.Time) error {
	if err := j.Transition(StageFailed, now); err != nil {
		return err
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "unknown error"
	}
	j.ErrorMessage = msg
	return nil
}

// SetProgress records encode progress. Values are clamped to [0,100] and a
// value lower than the current one is ignored. It reports whether anything
// changed.
func (j *Job) SetProgress(percent float64, now time.Time) (bool, error) {
	if j.Stage != StageTranscoding {
		return false, fmt.Errorf("%w: progress outside transcoding (stage %s)", ErrInvalidTransition, j.Stage)
	}
	if math.IsNaN(percent) {
		return false, nil
	}
	percent = math.Max(0, math.Min(100, percent))
	if percent <= j.Progress {
		return false, nil
	}
	j.Progress = percent
	j.ETA = EstimateETA(j.StartedAt, percent, now)
	j.UpdatedAt = now
	return true, nil
}

// EstimateETA extrapolates remaining seconds from the rate observed since
// started. It returns 0 when no estimate is possible.
func EstimateETA(started *time.Time, percent float64, now time.Time) int {
	if started == nil || percent <= 0 || percent >= 100 {
		return 0
	}
	elapsed := now.Sub(*started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int(math.Round(elapsed * (100 - percent) / percent))
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.TranscodeOptions.AudioStreams = slices.Clone(j.TranscodeOptions.AudioStreams)
	c.TranscodeOptions.SubtitleStreams = slices.Clone(j.TranscodeOptions.SubtitleStreams)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Update is the broadcast payload for the job's current state.
func (j *Job) Update() JobUpdate {
	return JobUpdate{
		JobID:     j.ID,
		Stage:     j.Stage,
		Progress:  j.Progress,
		ETA:       j.ETA,
		Error:     j.ErrorMessage,
		UpdatedAt: j.UpdatedAt,
	}
}

// JobUpdate is one observable change of a job.
type JobUpdate struct {
	JobID     string    `json:"jobID"`
	Stage     Stage     `json:"stage"`
	Progress  float64   `json:"progress"`
	ETA       int       `json:"eta,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobFilter narrows List results. The zero value matches every job.
type JobFilter struct {
	Active bool
	Stages []Stage
}

func (f JobFilter) Match(j *Job) bool {
	if f.Active && j.IsTerminal() {
		return false
	}
	if len(f.Stages) > 0 && !slices.Contains(f.Stages, j.Stage) {
		return false
	}
	return true
}
