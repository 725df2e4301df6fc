package domain

import (
	"fmt"
	"strings"
)

// Accel is the closed set of encoder variants the selector can choose.
type Accel string

const (
	AccelSoftware     Accel = "software"
	AccelVideoToolbox Accel = "videotoolbox"
	AccelNVENC        Accel = "nvenc"
	AccelVAAPI        Accel = "vaapi"
)

func ParseAccel(s string) (Accel, bool) {
	switch a := Accel(strings.ToLower(strings.TrimSpace(s))); a {
	case AccelSoftware, AccelVideoToolbox, AccelNVENC, AccelVAAPI:
		return a, true
	}
	return "", false
}

type EncoderConfig struct {
	Accel      Accel    `json:"accel"`
	InputArgs  []string `json:"inputArgs"`
	VideoCodec string   `json:"videoCodec"`
	ExtraArgs  []string `json:"extraArgs"`
}

func (c EncoderConfig) IsHardware() bool {
	return c.Accel != AccelSoftware
}

type EncodeRequest struct {
	JobID      string
	InputPath  string
	OutputPath string
	Config     EncoderConfig
	Options    TranscodeOptions
}

type EncodeEventKind string

const (
	EncodeProgress  EncodeEventKind = "progress"
	EncodeCompleted EncodeEventKind = "completed"
	EncodeFailed    EncodeEventKind = "failed"
	EncodeCanceled  EncodeEventKind = "canceled"
)

// EncodeEvent is emitted by an encode handle. Exactly one of completed,
// failed or canceled ends the stream.
type EncodeEvent struct {
	Kind       EncodeEventKind
	Percent    float64
	OutputPath string
	Err        error
}

func (e EncodeEvent) Terminal() bool {
	return e.Kind != EncodeProgress
}

// EncodeError carries the diagnostic output of a failed encoder run.
type EncodeError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = e.Err.Error()
	}
	if tail := lastLines(e.Stderr, 3); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, " | ")
}
