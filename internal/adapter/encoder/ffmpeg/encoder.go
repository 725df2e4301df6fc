package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

var (
	ErrEmptyPath   = errors.New("path is empty")
	ErrInvalidPath = errors.New("path contains invalid characters")
)

// commandContext is swapped in tests to run a helper process instead of
// ffmpeg.
var commandContext = exec.CommandContext

const (
	stderrTailBytes = 64 * 1024
	defaultKillWait = 10 * time.Second
)

// progressKV matches the key=value lines written by "-progress"; they are
// kept out of the stderr tail.
var progressKV = regexp.MustCompile(`^[a-z0-9_]+=\S*$`)

type Encoder struct {
	binary   string
	killWait time.Duration
}

func NewEncoder(binary string) *Encoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Encoder{binary: binary, killWait: defaultKillWait}
}

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

// BuildArgs returns the ffmpeg argument list for req.
func BuildArgs(req domain.EncodeRequest) []string {
	cfg := req.Config
	args := []string{"-y"}
	args = append(args, cfg.InputArgs...)
	args = append(args, "-i", req.InputPath)

	args = append(args, "-c:v", cfg.VideoCodec, "-profile:v", "high", "-level:v", "4.1")
	extra := cfg.ExtraArgs
	if opts := req.Options; !cfg.IsHardware() {
		extra = overrideFlag(extra, "-preset", opts.Preset)
		if opts.CRF > 0 {
			extra = overrideFlag(extra, "-crf", strconv.Itoa(opts.CRF))
		}
	}
	args = append(args, extra...)

	bitrate := "160k"
	if req.Options.AudioBitrate != "" {
		bitrate = req.Options.AudioBitrate
	}
	args = append(args, "-c:a", "aac", "-b:a", bitrate, "-ac", "2")

	if len(req.Options.AudioStreams) > 0 || len(req.Options.SubtitleStreams) > 0 {
		args = append(args, "-map", "0:v:0")
		for _, idx := range req.Options.AudioStreams {
			args = append(args, "-map", fmt.Sprintf("0:a:%d", idx))
		}
		for _, idx := range req.Options.SubtitleStreams {
			args = append(args, "-map", fmt.Sprintf("0:s:%d", idx))
		}
		if len(req.Options.SubtitleStreams) > 0 {
			args = append(args, "-c:s", "mov_text")
		}
	}

	args = append(args,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-progress", "pipe:2",
		req.OutputPath,
	)
	return args
}

// overrideFlag replaces the value following flag, or appends the pair.
// An empty value leaves args unchanged.
func overrideFlag(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == flag {
			out[i+1] = value
			return out
		}
	}
	return append(out, flag, value)
}

func (e *Encoder) Start(ctx context.Context, req domain.EncodeRequest) (port.EncodeHandle, error) {
	if err := validatePath(req.InputPath); err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	if err := validatePath(req.OutputPath); err != nil {
		return nil, fmt.Errorf("invalid output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	args := BuildArgs(req)
	logger.Debug.Printf("job %s: %s %s", req.JobID, e.binary, logger.SanitizeForLog(strings.Join(args, " ")))

	// The encode outlives ctx only until Cancel is delivered, so the
	// process itself is not bound to it.
	cmd := commandContext(context.Background(), e.binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	h := &handle{
		cmd:      cmd,
		events:   make(chan domain.EncodeEvent, 16),
		done:     make(chan struct{}),
		output:   req.OutputPath,
		killWait: e.killWait,
	}
	go h.run(stderr)
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.done:
		}
	}()
	return h, nil
}

type handle struct {
	cmd      *exec.Cmd
	events   chan domain.EncodeEvent
	done     chan struct{}
	output   string
	killWait time.Duration

	cancelOnce sync.Once
	mu         sync.Mutex
	canceled   bool
}

func (h *handle) Events() <-chan domain.EncodeEvent {
	return h.events
}

func (h *handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Cancel asks ffmpeg to stop with SIGTERM and kills it if it is still
// running after killWait.
func (h *handle) Cancel() {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.canceled = true
		h.mu.Unlock()

		select {
		case <-h.done:
			return
		default:
		}

		proc := h.cmd.Process
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			_ = proc.Kill()
			return
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.killWait):
				logger.Warn.Printf("ffmpeg pid %d ignored SIGTERM, killing", proc.Pid)
				_ = proc.Kill()
			}
		}()
	})
}

func (h *handle) wasCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

func (h *handle) run(stderr io.Reader) {
	defer close(h.events)

	var (
		parser progressParser
		tail   tailBuffer
	)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesCR)
	for scanner.Scan() {
		line := scanner.Text()
		if !progressKV.MatchString(line) {
			tail.WriteLine(line)
		}
		if pct, ok := parser.Feed(line); ok {
			h.events <- domain.EncodeEvent{Kind: domain.EncodeProgress, Percent: pct}
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn.Printf("reading ffmpeg output: %v", err)
		_, _ = io.Copy(io.Discard, stderr)
	}

	err := h.cmd.Wait()
	canceled := h.wasCanceled()
	close(h.done)

	switch {
	case canceled:
		h.events <- domain.EncodeEvent{Kind: domain.EncodeCanceled}
	case err == nil:
		h.events <- domain.EncodeEvent{Kind: domain.EncodeProgress, Percent: 100}
		h.events <- domain.EncodeEvent{Kind: domain.EncodeCompleted, OutputPath: h.output}
	default:
		encErr := &domain.EncodeError{ExitCode: -1, Stderr: tail.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			encErr.ExitCode = exitErr.ExitCode()
		}
		h.events <- domain.EncodeEvent{Kind: domain.EncodeFailed, Err: encErr}
	}
}

// scanLinesCR splits on \n or \r; ffmpeg rewrites its stats line with \r.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps roughly the last stderrTailBytes of diagnostic output.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) WriteLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		if i := bytes.IndexByte(t.buf[over:], '\n'); i >= 0 {
			over += i + 1
		}
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

var _ port.Encoder = (*Encoder)(nil)
