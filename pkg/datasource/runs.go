package datasource

import (
	"context"
	"time"
)

// Run is the audit record of a settled job.
type Run struct {
	JobID      string    `db:"job_id"`
	Queue      string    `db:"queue"`
	State      string    `db:"state"`
	Attempts   int       `db:"attempts"`
	Error      string    `db:"error"`
	FinishedAt time.Time `db:"finished_at"`
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id VARCHAR(64) NOT NULL,
	queue VARCHAR(255) NOT NULL,
	state VARCHAR(16) NOT NULL,
	attempts INT NOT NULL,
	error TEXT NOT NULL,
	finished_at DATETIME(3) NOT NULL,
	PRIMARY KEY (queue, job_id)
);`

// EnsureSchema creates the job_runs table of an org.
func (m *Manager) EnsureSchema(ctx context.Context, orgID int64) error {
	db, err := m.Get(orgID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, createRunsTable)
	return err
}

// RecordRun upserts the audit record of a job.
func (m *Manager) RecordRun(ctx context.Context, orgID int64, run *Run) error {
	db, err := m.Get(orgID)
	if err != nil {
		return err
	}
	_, err = db.NamedExecContext(ctx, `
		INSERT INTO job_runs (job_id, queue, state, attempts, error, finished_at)
		VALUES (:job_id, :queue, :state, :attempts, :error, :finished_at)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			attempts = VALUES(attempts),
			error = VALUES(error),
			finished_at = VALUES(finished_at);`, run)
	return err
}

// Runs lists the audit records of a queue, most recent first.
func (m *Manager) Runs(ctx context.Context, orgID int64, queue string, limit int) ([]Run, error) {
	db, err := m.Get(orgID)
	if err != nil {
		return nil, err
	}
	var runs []Run
	err = db.SelectContext(ctx, &runs, `
		SELECT job_id, queue, state, attempts, error, finished_at
		FROM job_runs WHERE queue = ?
		ORDER BY finished_at DESC LIMIT ?;`, queue, limit)
	return runs, err
}
