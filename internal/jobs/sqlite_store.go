package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/types"

	_ "modernc.org/sqlite"
)

// Mirror keeps a durable copy of non-embedded jobs so their status survives
// the in-memory retention window and process restarts.
type Mirror interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Job, error)
	Close() error
}

// SQLiteMirror implements Mirror on a SQLite database.
type SQLiteMirror struct {
	db *sql.DB
}

var _ Mirror = (*SQLiteMirror)(nil)

func NewSQLiteMirror(path string) (*SQLiteMirror, error) {
	// Busy timeout to avoid SQLITE_BUSY when the ledger shares the file.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteMirror{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		source_key TEXT NOT NULL,
		media_type TEXT NOT NULL,
		content_class TEXT NOT NULL,
		target_seconds REAL NOT NULL,
		instructions TEXT,
		output_mode TEXT NOT NULL,
		credits INTEGER NOT NULL,
		source_seconds REAL NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL,
		message TEXT,
		error_message TEXT,
		result_json TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Save inserts or replaces the job row.
func (s *SQLiteMirror) Save(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	var result *string
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		v := string(b)
		result = &v
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (id, user_id, project_id, source_key, media_type, content_class,
		target_seconds, instructions, output_mode, credits, source_seconds, status, progress, message, error_message,
		result_json, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			error_message = excluded.error_message,
			result_json = excluded.result_json,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		job.ID, job.UserID, job.ProjectID, job.SourceKey, string(job.MediaType), string(job.ContentClass),
		job.TargetSeconds, nullString(job.Instructions), string(job.OutputMode), job.Credits, job.SourceSeconds,
		string(job.Status), job.Progress, nullString(job.Message), nullString(job.Error),
		result, job.CreatedAt.UnixNano(), nullTime(job.StartedAt), nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, user_id, project_id, source_key, media_type, content_class, target_seconds,
	instructions, output_mode, credits, source_seconds, status, progress, message, error_message, result_json,
	created_at, started_at, completed_at FROM jobs`

// Get returns the mirrored job or ErrNotFound.
func (s *SQLiteMirror) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListForUser returns up to limit jobs of the user, newest first.
func (s *SQLiteMirror) ListForUser(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteMirror) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var job Job
	var mediaType, class, mode, status string
	var instructions, message, errMsg, result sql.NullString
	var created int64
	var started, completed sql.NullInt64

	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.ProjectID,
		&job.SourceKey,
		&mediaType,
		&class,
		&job.TargetSeconds,
		&instructions,
		&mode,
		&job.Credits,
		&job.SourceSeconds,
		&status,
		&job.Progress,
		&message,
		&errMsg,
		&result,
		&created,
		&started,
		&completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.MediaType = types.MediaType(mediaType)
	job.ContentClass = types.ContentClass(class)
	job.OutputMode = types.OutputMode(mode)
	job.Status = Status(status)
	job.Instructions = instructions.String
	job.Message = message.String
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(0, created).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		job.StartedAt = &t
	}
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		job.CompletedAt = &t
	}
	if result.Valid && result.String != "" {
		var r Result
		// Leave Result nil on decode error; do not fail retrieval.
		if err := json.Unmarshal([]byte(result.String), &r); err == nil {
			job.Result = &r
		}
	}
	return job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}
