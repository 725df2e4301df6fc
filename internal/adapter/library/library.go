package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/infrastructure/logger"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"
)

var ErrOutsideLibrary = errors.New("destination outside library roots")

// rename is swapped in tests to simulate cross-device moves.
var rename = os.Rename

// Library places finished files under the movies and series roots.
type Library struct {
	moviesDir string
	seriesDir string
}

func New(moviesDir, seriesDir string) *Library {
	return &Library{
		moviesDir: filepath.Clean(moviesDir),
		seriesDir: filepath.Clean(seriesDir),
	}
}

var fileNameReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", " - ",
	"*", "-",
	"?", "",
	"\"", "",
	"'", "",
	"<", "",
	">", "",
	"|", "-",
)

// SanitizeFileName makes name safe as a single path element.
func SanitizeFileName(name string) string {
	n := strings.TrimSpace(fileNameReplacer.Replace(strings.TrimSpace(name)))
	n = strings.Trim(n, ".")
	if n == "" {
		return "untitled"
	}
	return n
}

func (l *Library) Destination(job *domain.Job, sourcePath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == "" {
		ext = ".mp4"
	}
	meta := job.Metadata

	var dst string
	switch job.Type {
	case domain.JobTypeMovie:
		title := meta.Title
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
		}
		name := SanitizeFileName(title)
		if job.TmdbID > 0 {
			name = fmt.Sprintf("%s_%d", name, job.TmdbID)
		}
		dst = filepath.Join(l.moviesDir, name+ext)
	case domain.JobTypeEpisode:
		show := SanitizeFileName(meta.SeriesTitle)
		if job.TmdbID > 0 {
			show = fmt.Sprintf("%s_%d", show, job.TmdbID)
		}
		season := max(meta.SeasonNumber, 1)
		title := meta.Title
		if title == "" {
			title = fmt.Sprintf("S%02dE%02d", season, meta.EpisodeNumber)
		}
		dst = filepath.Join(l.seriesDir, show, fmt.Sprintf("Season %d", season), SanitizeFileName(title)+ext)
	default:
		return "", fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidSpec, job.Type)
	}

	if err := l.checkRoot(dst); err != nil {
		return "", err
	}
	return dst, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func (l *Library) checkRoot(dst string) error {
	dst = filepath.Clean(dst)
	if within(l.moviesDir, dst) || within(l.seriesDir, dst) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOutsideLibrary, dst)
}

// Move renames src to dst, falling back to a verified copy and delete when
// the two are on different filesystems.
func (l *Library) Move(ctx context.Context, src, dst string) error {
	if err := l.checkRoot(dst); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source is a directory: %s", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	err = rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move: %w", err)
	}

	logger.Info.Printf("cross-device move of %s (%s), copying", logger.SanitizeForLog(filepath.Base(src)), humanize.Bytes(uint64(info.Size())))
	if err := copyVerified(ctx, src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func newHash() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// copyVerified copies through a temporary file, then re-reads the copy and
// compares its blake2b digest with the source before renaming it into place.
func copyVerified(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() { _ = os.Remove(tmp) }()

	srcHash := newHash()
	if _, err := io.Copy(out, io.TeeReader(ctxReader{ctx, in}, srcHash)); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}

	check, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("reopen copy: %w", err)
	}
	dstHash := newHash()
	_, err = io.Copy(dstHash, check)
	_ = check.Close()
	if err != nil {
		return fmt.Errorf("verify copy: %w", err)
	}
	if !bytes.Equal(srcHash.Sum(nil), dstHash.Sum(nil)) {
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return os.Rename(tmp, dst)
}

var _ port.Library = (*Library)(nil)
