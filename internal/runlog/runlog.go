// Package runlog keeps a history of every export task in sqlite.
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"stockexport-backend/pkg/sqliteutil"

	"github.com/google/uuid"
)

//go:embed schema.sql
var Schema string

type Status string

const (
	StatusOk     Status = "ok"
	StatusFailed Status = "failed"
)

// Run is the outcome of one task.
type Run struct {
	Id           string    `json:"id"`
	Warehouse    string    `json:"warehouse"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       Status    `json:"status"`
	FailedState  string    `json:"failed_state,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FileId       string    `json:"file_id,omitempty"`
	Rows         int       `json:"rows"`
}

func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at `path`, ":memory:" gives a store that lives as long as
// the process.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqliteutil.OpenDB(Schema, path)
	if err != nil {
		return nil, err
	}
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record saves a run, it assigns an id if the run has none and returns the run as saved.
func (s *Store) Record(ctx context.Context, run Run) (Run, error) {
	if run.Id == "" {
		run.Id = uuid.NewString()
	}
	if run.Status == "" {
		return Run{}, errors.New("run has no status")
	}

	_, err := s.db.ExecContext(ctx, `
insert into task_run(id, warehouse, started_at, finished_at, status, failed_state, error_code, error_message, file_id, row_count)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict(id) do update set
	finished_at=excluded.finished_at,
	status=excluded.status,
	failed_state=excluded.failed_state,
	error_code=excluded.error_code,
	error_message=excluded.error_message,
	file_id=excluded.file_id,
	row_count=excluded.row_count
`,
		run.Id,
		run.Warehouse,
		run.StartedAt.UnixMilli(),
		run.FinishedAt.UnixMilli(),
		string(run.Status),
		run.FailedState,
		run.ErrorCode,
		run.ErrorMessage,
		run.FileId,
		run.Rows,
	)
	if err != nil {
		return Run{}, fmt.Errorf("record run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs first, `warehouse` filters by warehouse if it is not empty.
func (s *Store) List(ctx context.Context, warehouse string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
select id, warehouse, started_at, finished_at, status, failed_state, error_code, error_message, file_id, row_count
from task_run
where ? = '' or warehouse = ?
order by started_at desc
limit ?
`, warehouse, warehouse, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			run        Run
			startedAt  int64
			finishedAt int64
			status     string
		)
		err := rows.Scan(
			&run.Id,
			&run.Warehouse,
			&startedAt,
			&finishedAt,
			&status,
			&run.FailedState,
			&run.ErrorCode,
			&run.ErrorMessage,
			&run.FileId,
			&run.Rows,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(startedAt)
		run.FinishedAt = time.UnixMilli(finishedAt)
		run.Status = Status(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
