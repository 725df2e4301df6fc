package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

type Prober struct {
	binary string
}

func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary}
}

func (p *Prober) Probe(ctx context.Context, path string) (*domain.ProbeResult, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_entries", "stream=index,codec_type,codec_name,width,height,channels:stream_tags=language,title",
		path,
	}
	out, err := commandContext(ctx, p.binary, args...).Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe domain.ProbeResult
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &probe, nil
}

var _ port.Prober = (*Prober)(nil)
