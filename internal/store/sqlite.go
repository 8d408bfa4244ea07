package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"schedkit/internal/schedule"
	logx "schedkit/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// taskParams is the persisted task_params column shape; name and description
// live in their own columns.
type taskParams struct {
	Executor string         `json:"executor"`
	Params   map[string]any `json:"params,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Timeout  int64          `json:"timeout,omitempty"` // seconds
}

const scheduleCols = `id, task_name, task_description, task_params, schedule_type,
	schedule_config, enabled, last_run, next_run, run_count, created_at, updated_at, metadata`

func (s *sqliteStore) AddSchedule(ctx context.Context, sc *schedule.Schedule) error {
	params, err := json.Marshal(taskParams{
		Executor: sc.Task.Executor,
		Params:   sc.Task.Params,
		Priority: sc.Task.Priority,
		Timeout:  int64(sc.Task.Timeout / time.Second),
	})
	if err != nil {
		return err
	}
	cfg, err := json.Marshal(sc.Config)
	if err != nil {
		return err
	}
	var meta any
	if len(sc.Metadata) > 0 {
		b, err := json.Marshal(sc.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Task.Name, nullStr(sc.Task.Description), string(params), string(sc.Config.Type),
		string(cfg), boolInt(sc.Enabled), msPtr(sc.LastRun), msPtr(sc.NextRun), sc.RunCount,
		sc.CreatedAt.UnixMilli(), sc.UpdatedAt.UnixMilli(), meta,
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, f Filter) ([]*schedule.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	var conds []string
	var args []any
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if f.Type != "" {
		conds = append(conds, "schedule_type = ?")
		args = append(args, string(f.Type))
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			// A row that no longer decodes must not take down callers like
			// scheduler startup; skip it and keep going.
			s.log.Warn("skipping undecodable schedule row", logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, p Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if p.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*p.Enabled))
	}
	if p.LastRun != nil {
		sets = append(sets, "last_run = ?")
		args = append(args, p.LastRun.UnixMilli())
	}
	if p.SetNextRun {
		sets = append(sets, "next_run = ?")
		args = append(args, msPtr(p.NextRun))
	}
	if p.RunCount != nil {
		sets = append(sets, "run_count = ?")
		args = append(args, *p.RunCount)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit cascade; foreign_keys enforcement is off by default in sqlite.
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE schedule_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]*schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run ASC`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			s.log.Warn("skipping undecodable schedule row", logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, e *schedule.RunEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, schedule_id, task_id, started_at, completed_at, status, result, error)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.ScheduleID, nullStr(e.TaskID), e.StartedAt.UnixMilli(), msPtr(e.CompletedAt),
		string(e.Status), nullStr(e.Result), nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, scheduleID string) ([]*schedule.RunEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, task_id, started_at, completed_at, status, result, error
		 FROM runs WHERE schedule_id = ? ORDER BY started_at ASC`,
		scheduleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.RunEntry
	for rows.Next() {
		var (
			e           schedule.RunEntry
			taskID      sql.NullString
			startedMS   int64
			completedMS sql.NullInt64
			result      sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &taskID, &startedMS, &completedMS, &e.Status, &result, &errMsg); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.StartedAt = time.UnixMilli(startedMS)
		if completedMS.Valid {
			t := time.UnixMilli(completedMS.Int64)
			e.CompletedAt = &t
		}
		e.Result = result.String
		e.Error = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByType: map[schedule.Type]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_type, enabled, COUNT(*) FROM schedules GROUP BY schedule_type, enabled`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var typ string
		var enabled, n int
		if err := rows.Scan(&typ, &enabled, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.Schedules += n
		st.ByType[schedule.Type(typ)] += n
		if enabled != 0 {
			st.Enabled += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.Runs += n
		switch schedule.RunStatus(status) {
		case schedule.RunCompleted:
			st.Completed += n
		case schedule.RunFailed:
			st.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedule.Schedule, error) {
	var (
		sc         schedule.Schedule
		desc       sql.NullString
		paramsJSON string
		typ        string
		cfgJSON    string
		enabled    int
		lastMS     sql.NullInt64
		nextMS     sql.NullInt64
		createdMS  int64
		updatedMS  int64
		metaJSON   sql.NullString
	)
	err := row.Scan(&sc.ID, &sc.Task.Name, &desc, &paramsJSON, &typ, &cfgJSON, &enabled,
		&lastMS, &nextMS, &sc.RunCount, &createdMS, &updatedMS, &metaJSON)
	if err != nil {
		return nil, err
	}

	sc.Task.Description = desc.String
	var params taskParams
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("schedule %s: task_params: %w", sc.ID, err)
	}
	sc.Task.Executor = params.Executor
	sc.Task.Params = params.Params
	sc.Task.Priority = params.Priority
	sc.Task.Timeout = time.Duration(params.Timeout) * time.Second

	if err := json.Unmarshal([]byte(cfgJSON), &sc.Config); err != nil {
		return nil, fmt.Errorf("schedule %s: schedule_config: %w", sc.ID, err)
	}
	if sc.Config.Type == "" {
		sc.Config.Type = schedule.Type(typ)
	}

	sc.Enabled = enabled != 0
	if lastMS.Valid {
		t := time.UnixMilli(lastMS.Int64)
		sc.LastRun = &t
	}
	if nextMS.Valid {
		t := time.UnixMilli(nextMS.Int64)
		sc.NextRun = &t
	}
	sc.CreatedAt = time.UnixMilli(createdMS)
	sc.UpdatedAt = time.UnixMilli(updatedMS)

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &sc.Metadata); err != nil {
			return nil, fmt.Errorf("schedule %s: metadata: %w", sc.ID, err)
		}
	}
	return &sc, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
