package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreJSON   = "json"
)

// Duration reads values such as "15s" or "1m30s" from TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Port             int      `toml:"port"`
	DataDir          string   `toml:"data_dir"`
	Workers          int      `toml:"workers"`
	CancelGrace      Duration `toml:"cancel_grace"`
	HWAccel          string   `toml:"hwaccel"`
	Store            string   `toml:"store"`
	FFmpegPath       string   `toml:"ffmpeg_path"`
	FFprobePath      string   `toml:"ffprobe_path"`
	MoviesDir        string   `toml:"movies_dir"`
	SeriesDir        string   `toml:"series_dir"`
	WorkDir          string   `toml:"work_dir"`
	LogLevel         string   `toml:"log_level"`
	SubscriberBuffer int      `toml:"subscriber_buffer"`
}

func Default() Config {
	return Config{
		Port:             7890,
		DataDir:          "/data",
		Workers:          1,
		CancelGrace:      Duration(15 * time.Second),
		HWAccel:          "auto",
		Store:            StoreSQLite,
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		LogLevel:         "info",
		SubscriberBuffer: 64,
	}
}

// Load reads the file named by NITFLEX_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("NITFLEX_CONFIG"))
}

// LoadFrom is Load with an explicit config file. An empty path skips the
// file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = file.Close() }()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	intVar("PORT", &c.Port)
	intVar("WORKERS", &c.Workers)
	intVar("SUBSCRIBER_BUFFER", &c.SubscriberBuffer)
	if v := os.Getenv("CANCEL_GRACE"); v != "" {
		if err := c.CancelGrace.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid CANCEL_GRACE: %w", err))
		}
	}

	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.HWAccel = getEnv("HWACCEL", c.HWAccel)
	c.Store = getEnv("STORE", c.Store)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.FFprobePath = getEnv("FFPROBE_PATH", c.FFprobePath)
	c.MoviesDir = getEnv("MOVIES_DIR", c.MoviesDir)
	c.SeriesDir = getEnv("SERIES_DIR", c.SeriesDir)
	c.WorkDir = getEnv("WORK_DIR", c.WorkDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	return errors.Join(errs...)
}

// normalize fills library directories from DataDir when unset.
func (c *Config) normalize() {
	c.HWAccel = strings.ToLower(strings.TrimSpace(c.HWAccel))
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.MoviesDir == "" {
		c.MoviesDir = filepath.Join(c.DataDir, "movies")
	}
	if c.SeriesDir == "" {
		c.SeriesDir = filepath.Join(c.DataDir, "series")
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.CancelGrace <= 0 {
		errs = append(errs, fmt.Errorf("cancel_grace must be positive, got %s", c.CancelGraceDuration()))
	}
	if c.HWAccel != "auto" {
		if _, ok := domain.ParseAccel(c.HWAccel); !ok {
			errs = append(errs, fmt.Errorf("hwaccel must be auto, software, videotoolbox, nvenc or vaapi, got %q", c.HWAccel))
		}
	}
	switch c.Store {
	case StoreSQLite, StoreMemory, StoreJSON:
	default:
		errs = append(errs, fmt.Errorf("store must be sqlite, memory or json, got %q", c.Store))
	}
	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info or error, got %q", c.LogLevel))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("subscriber_buffer must be at least 1, got %d", c.SubscriberBuffer))
	}
	if c.FFmpegPath == "" {
		errs = append(errs, errors.New("ffmpeg_path is required"))
	}
	if c.FFprobePath == "" {
		errs = append(errs, errors.New("ffprobe_path is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) CancelGraceDuration() time.Duration {
	return time.Duration(c.CancelGrace)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// EnsureDirectories creates the data, work and library directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.WorkDir, c.MoviesDir, c.SeriesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
