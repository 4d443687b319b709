package scheduler

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusdb/nexus/internal/apierr"
)

// storage is the scheduler's own thin persistence layer over the
// shared pool, grounded on the same identifier-safe, parameterized
// query style as internal/store — the scheduler never string-
// concatenates a caller-supplied value into SQL.
type storage struct {
	pool *pgxpool.Pool
}

func newStorage(pool *pgxpool.Pool) *storage {
	return &storage{pool: pool}
}

func (s *storage) insert(ctx context.Context, fn ScheduledFunction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_functions (id, function_path, args, run_at, status, created_at, retries, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		fn.ID, fn.FunctionPath, string(fn.Args), fn.RunAt, fn.Status, fn.CreatedAt, fn.Retries, fn.MaxRetries,
	)
	if err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "insert scheduled function: %s", err)
	}
	return nil
}

func (s *storage) get(ctx context.Context, id string) (*ScheduledFunction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
		FROM scheduled_functions WHERE id = $1`, id)
	fn, err := scanFunction(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Newf(apierr.CodeStorageFailure, "get scheduled function: %s", err)
	}
	return fn, nil
}

func (s *storage) list(ctx context.Context, filter Filter) ([]ScheduledFunction, error) {
	query := `
		SELECT id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries
		FROM scheduled_functions`
	var args []any
	if filter.Status != nil {
		query += " WHERE status = $1"
		args = append(args, *filter.Status)
	}
	query += " ORDER BY run_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeStorageFailure, "list scheduled functions: %s", err)
	}
	defer rows.Close()

	out := []ScheduledFunction{}
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, apierr.Newf(apierr.CodeStorageFailure, "scan scheduled function: %s", err)
		}
		out = append(out, *fn)
	}
	return out, rows.Err()
}

// pickDue claims all pending functions whose run_at has arrived,
// atomically transitioning them to running so two scheduler instances
// racing the same row never both dispatch it.
func (s *storage) pickDue(ctx context.Context, now int64) ([]ScheduledFunction, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE scheduled_functions
		SET status = $1
		WHERE id IN (
			SELECT id FROM scheduled_functions
			WHERE status = $2 AND run_at <= $3
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, function_path, args, run_at, status, created_at, completed_at, error, retries, max_retries`,
		StatusRunning, StatusPending, now,
	)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeStorageFailure, "pick due scheduled functions: %s", err)
	}
	defer rows.Close()

	var due []ScheduledFunction
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, apierr.Newf(apierr.CodeStorageFailure, "scan due scheduled function: %s", err)
		}
		due = append(due, *fn)
	}
	return due, rows.Err()
}

// cancel atomically transitions a pending function to canceled and
// reports whether the transition actually happened (false if the
// function was already running or terminal, racing a concurrent fire).
func (s *storage) cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_functions SET status = $1 WHERE id = $2 AND status = $3`,
		StatusCanceled, id, StatusPending,
	)
	if err != nil {
		return false, apierr.Newf(apierr.CodeStorageFailure, "cancel scheduled function: %s", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *storage) markCompleted(ctx context.Context, id string, completedAt int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_functions SET status = $1, completed_at = $2 WHERE id = $3`,
		StatusCompleted, completedAt, id,
	)
	if err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "mark scheduled function completed: %s", err)
	}
	return nil
}

func (s *storage) markFailed(ctx context.Context, id string, completedAt int64, detail ErrorDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return apierr.Newf(apierr.CodeInternal, "marshal error detail: %s", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_functions SET status = $1, completed_at = $2, error = $3 WHERE id = $4`,
		StatusFailed, completedAt, string(payload), id,
	)
	if err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "mark scheduled function failed: %s", err)
	}
	return nil
}

// reschedule reverts a running function to pending at a later run_at,
// recording the attempt as a retry.
func (s *storage) reschedule(ctx context.Context, id string, runAt int64, retries int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_functions SET status = $1, run_at = $2, retries = $3 WHERE id = $4`,
		StatusPending, runAt, retries, id,
	)
	if err != nil {
		return apierr.Newf(apierr.CodeStorageFailure, "reschedule scheduled function: %s", err)
	}
	return nil
}

// reclaimStale reverts every function left in running back to pending
// at process startup. A row can only be running because some prior
// process claimed it and then crashed before marking it completed or
// failed, since the current process has no in-memory dispatch for it.
func (s *storage) reclaimStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_functions SET status = $1 WHERE status = $2`,
		StatusPending, StatusRunning,
	)
	if err != nil {
		return 0, apierr.Newf(apierr.CodeStorageFailure, "reclaim stale scheduled functions: %s", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *storage) countPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM scheduled_functions WHERE status = $1`, StatusPending).Scan(&n)
	if err != nil {
		return 0, apierr.Newf(apierr.CodeStorageFailure, "count pending scheduled functions: %s", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFunction(row scanner) (*ScheduledFunction, error) {
	var fn ScheduledFunction
	var args, status string
	var errText *string
	if err := row.Scan(&fn.ID, &fn.FunctionPath, &args, &fn.RunAt, &status, &fn.CreatedAt, &fn.CompletedAt, &errText, &fn.Retries, &fn.MaxRetries); err != nil {
		return nil, err
	}
	fn.Args = json.RawMessage(args)
	fn.Status = Status(status)
	if errText != nil && *errText != "" {
		var detail ErrorDetail
		if err := json.Unmarshal([]byte(*errText), &detail); err == nil {
			fn.Error = &detail
		}
	}
	return &fn, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
