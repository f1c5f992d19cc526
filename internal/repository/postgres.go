package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/genwatch/internal/logging"
	"github.com/nadmax/genwatch/internal/queue"
	"github.com/nadmax/genwatch/internal/transcript"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresRepository struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

func NewPostgresRepository(connectionString string, logger logrus.FieldLogger) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db, logger: logging.Component(logger, "repository")}, nil
}

// gooseLogger forwards migration output to logrus. Fatalf does not exit so
// the caller decides how to handle a failed migration.
type gooseLogger struct {
	logger logrus.FieldLogger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Infof(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Errorf(format, v...)
}

// Migrate applies the embedded schema migrations.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger: r.logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, r.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendMessage(ctx context.Context, conversationID string, m transcript.Message) (transcript.Message, error) {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return transcript.Message{}, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	calls := m.FunctionCalls
	if calls == nil {
		calls = []transcript.FunctionCall{}
	}
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		return transcript.Message{}, fmt.Errorf("failed to marshal function calls: %w", err)
	}

	var usage any
	if m.TokenUsage != nil {
		data, err := json.Marshal(m.TokenUsage)
		if err != nil {
			return transcript.Message{}, fmt.Errorf("failed to marshal token usage: %w", err)
		}
		usage = data
	}

	query := `
		INSERT INTO messages (
			conversation_id, role, content, attachments, function_calls, token_usage
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	stored := m.Clone()
	stored.FunctionCalls = calls
	err = r.db.QueryRowContext(ctx, query,
		conversationID,
		string(m.Role),
		m.Content,
		attachmentsJSON,
		callsJSON,
		usage,
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return transcript.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	return stored, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string) ([]transcript.Message, error) {
	query := `
		SELECT id, role, content, attachments, function_calls, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close rows")
		}
	}()

	msgs := []transcript.Message{}
	for rows.Next() {
		var (
			m                          transcript.Message
			role                       string
			attachmentsJSON, callsJSON []byte
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &attachmentsJSON, &callsJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = transcript.Role(role)

		if err := json.Unmarshal(attachmentsJSON, &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
		if err := json.Unmarshal(callsJSON, &m.FunctionCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal function calls: %w", err)
		}
		if m.FunctionCalls == nil {
			m.FunctionCalls = []transcript.FunctionCall{}
		}

		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// SaveJob upserts the history row of job.
func (r *PostgresRepository) SaveJob(ctx context.Context, job *queue.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	var result any
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		result = data
	}

	var durationMs any
	if d := job.Duration(); d != nil {
		durationMs = int(*d * 1000)
	}

	var errorMessage any
	if job.Error != "" {
		errorMessage = job.Error
	}

	query := `
		INSERT INTO job_history (
			job_id, kind, status, params, result, error_message,
			worker_id, created_at, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			worker_id = EXCLUDED.worker_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms
	`

	_, err = r.db.ExecContext(
		ctx,
		query,
		job.ID,
		string(job.Kind),
		string(job.Status),
		params,
		result,
		errorMessage,
		job.WorkerID,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		durationMs,
	)

	return err
}

func (r *PostgresRepository) GetJobStats(ctx context.Context, hours int) ([]JobStats, error) {
	query := `
		SELECT
			kind, status, COUNT(*) as count,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) as max_duration_ms
		FROM job_history
		WHERE created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY kind, status
		ORDER BY kind, status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.WithError(err).Warn("Failed to close rows")
		}
	}()

	stats := []JobStats{}
	for rows.Next() {
		var s JobStats
		if err := rows.Scan(&s.Kind, &s.Status, &s.Count, &s.AvgDurationMs, &s.MaxDurationMs); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
