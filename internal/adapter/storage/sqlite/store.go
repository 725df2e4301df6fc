package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const jobColumns = `id, type, media_id, tmdb_id, input_path, transcode_mode, transcode_options, metadata,
	stage, progress, eta, error_message, output_path, encoder, retry_of,
	created_at, updated_at, started_at, completed_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// Open opens (or creates) nitflex.db in dataDir and applies migrations.
func Open(dataDir string) (*Store, error) {
	registerHook()

	dbPath := filepath.Join(dataDir, "nitflex.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection for SQLite (WAL allows concurrent reads but only one writer)
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := domain.NewJob(spec, s.now().UTC())
	if err != nil {
		return nil, err
	}

	opts, meta, err := encodeBlobs(job)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.MediaID, job.TmdbID, job.InputPath, string(job.TranscodeMode), opts, meta,
		string(job.Stage), job.Progress, job.ETA, job.ErrorMessage, job.OutputPath, string(job.Encoder), job.RetryOf,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Active {
		where = append(where, "stage NOT IN (?, ?, ?)")
		args = append(args, string(domain.StageCompleted), string(domain.StageFailed), string(domain.StageCanceled))
	}
	if len(filter.Stages) > 0 {
		marks := make([]string, len(filter.Stages))
		for i, st := range filter.Stages {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "stage IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Update runs fn inside a transaction. The single writer connection
// serializes concurrent updates.
func (s *Store) Update(ctx context.Context, id string, fn port.Mutation) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	opts, meta, err := encodeBlobs(job)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
		transcode_mode = ?, transcode_options = ?, metadata = ?, stage = ?, progress = ?, eta = ?,
		error_message = ?, output_path = ?, encoder = ?, retry_of = ?,
		updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(job.TranscodeMode), opts, meta, string(job.Stage), job.Progress, job.ETA,
		job.ErrorMessage, job.OutputPath, string(job.Encoder), job.RetryOf,
		job.UpdatedAt.UnixNano(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                    domain.Job
		jobType, mode, stage string
		encoder              string
		opts, meta           string
		created, updated     int64
		started, completed   sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &jobType, &j.MediaID, &j.TmdbID, &j.InputPath, &mode, &opts, &meta,
		&stage, &j.Progress, &j.ETA, &j.ErrorMessage, &j.OutputPath, &encoder, &j.RetryOf,
		&created, &updated, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	j.Type = domain.JobType(jobType)
	j.TranscodeMode = domain.TranscodeMode(mode)
	j.Stage = domain.Stage(stage)
	j.Encoder = domain.Accel(encoder)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	j.StartedAt = fromNull(started)
	j.CompletedAt = fromNull(completed)

	if err := json.Unmarshal([]byte(opts), &j.TranscodeOptions); err != nil {
		return nil, fmt.Errorf("decode transcode options: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &j, nil
}

func encodeBlobs(j *domain.Job) (string, string, error) {
	opts, err := json.Marshal(j.TranscodeOptions)
	if err != nil {
		return "", "", fmt.Errorf("encode transcode options: %w", err)
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(opts), string(meta), nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

var _ port.JobStore = (*Store)(nil)
