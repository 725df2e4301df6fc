package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/dhowden/tag"
)

var commandContext = exec.CommandContext

var ErrTitleMissing = errors.New("title tag missing after tagging")

// Tagger embeds library metadata and an optional poster into an mp4
// container without re-encoding.
type Tagger struct {
	binary string
}

func NewTagger(binary string) *Tagger {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Tagger{binary: binary}
}

func buildArgs(path, tmp string, meta domain.Metadata) []string {
	args := []string{"-i", path}
	if meta.PosterPath != "" && fileExists(meta.PosterPath) {
		args = append(args,
			"-i", meta.PosterPath,
			"-map", "0",
			"-map", "1",
			"-c", "copy",
			"-disposition:v:1", "attached_pic",
		)
	} else {
		args = append(args, "-map", "0", "-c", "copy")
	}

	add := func(key, value string) {
		if value != "" {
			args = append(args, "-metadata", key+"="+value)
		}
	}
	add("title", meta.Title)
	add("date", meta.Year)
	add("comment", meta.Description)
	add("description", meta.Description)
	add("genre", meta.Genre)
	if meta.SeriesTitle != "" {
		add("show", meta.SeriesTitle)
		if meta.SeasonNumber > 0 {
			add("season_number", strconv.Itoa(meta.SeasonNumber))
		}
		if meta.EpisodeNumber > 0 {
			add("episode_sort", strconv.Itoa(meta.EpisodeNumber))
		}
	}

	return append(args, "-y", tmp)
}

func (t *Tagger) Tag(ctx context.Context, path string, meta domain.Metadata) error {
	if !fileExists(path) {
		return fmt.Errorf("video file does not exist: %s", path)
	}

	tmp := path + ".tagged.mp4"
	defer func() { _ = os.Remove(tmp) }()

	output, err := commandContext(ctx, t.binary, buildArgs(path, tmp, meta)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w - %s", err, lastLine(string(output)))
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace original file: %w", err)
	}

	if meta.Title != "" {
		if err := verifyTitle(path); err != nil {
			return err
		}
	}
	logger.Debug.Printf("tagged %s", logger.SanitizeForLog(path))
	return nil
}

// verifyTitle reads the container tags back and checks a title is present.
func verifyTitle(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tagged file: %w", err)
	}
	defer func() { _ = f.Close() }()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return fmt.Errorf("read back tags: %w", err)
	}
	if strings.TrimSpace(m.Title()) == "" {
		return ErrTitleMissing
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var _ port.Tagger = (*Tagger)(nil)
