package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"PulseFlow/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS email_job_history (
	job_id       TEXT PRIMARY KEY,
	flow_id      TEXT NOT NULL DEFAULT '',
	template     TEXT NOT NULL,
	state        TEXT NOT NULL,
	cancelled    BOOLEAN NOT NULL DEFAULT FALSE,
	attempts     INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	provider     TEXT NOT NULL DEFAULT '',
	log_id       TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	processed_on TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS email_job_history_finished_at ON email_job_history (finished_at);
`

// Store keeps terminal jobs in Postgres. Rows are written once and never
// updated.
type Store struct {
	DB *sql.DB
}

// New opens a pgx-backed pool and waits for the database to answer,
// retrying with exponential backoff until ctx ends.
func New(ctx context.Context, conn string) (*Store, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, err
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() {
	_ = s.DB.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

func (s *Store) Record(ctx context.Context, job models.Job) error {
	if !job.State.Terminal() || job.FinishedAt == nil {
		return fmt.Errorf("job %s is not terminal", job.ID)
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO email_job_history
		 (job_id, flow_id, template, state, cancelled, attempts, max_attempts,
		  provider, log_id, last_error, created_at, processed_on, finished_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (job_id) DO NOTHING`,
		job.ID,
		job.FlowID,
		job.Template,
		string(job.State),
		job.Cancelled,
		job.Attempts,
		job.MaxAttempts,
		job.Provider,
		job.LogID,
		job.LastError,
		job.CreatedAt,
		job.ProcessedOn,
		*job.FinishedAt,
	)
	return err
}

func (s *Store) Terminal(ctx context.Context, from, to time.Time) ([]models.Job, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT job_id, flow_id, template, state, cancelled, attempts, max_attempts,
		        provider, log_id, last_error, created_at, processed_on, finished_at
		 FROM email_job_history
		 WHERE finished_at >= $1 AND finished_at <= $2
		 ORDER BY finished_at`,
		from,
		to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var (
			job         models.Job
			state       string
			processedOn sql.NullTime
			finishedAt  time.Time
		)
		if err := rows.Scan(
			&job.ID,
			&job.FlowID,
			&job.Template,
			&state,
			&job.Cancelled,
			&job.Attempts,
			&job.MaxAttempts,
			&job.Provider,
			&job.LogID,
			&job.LastError,
			&job.CreatedAt,
			&processedOn,
			&finishedAt,
		); err != nil {
			return nil, err
		}

		job.State = models.JobState(state)
		if processedOn.Valid {
			t := processedOn.Time
			job.ProcessedOn = &t
		}
		job.FinishedAt = &finishedAt
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
