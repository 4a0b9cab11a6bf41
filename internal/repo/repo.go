package repo

import (
	"context"
	"database/sql"
	"errors"

	"cofounder/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,objective,category,status,iteration,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Objective, t.Category, t.Status, t.Iteration, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, iteration=?, updated_at=? WHERE id=?`,
		t.Status, t.Iteration, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.Objective, &t.Category, &t.Status, &t.Iteration, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

const taskColumns = `id,objective,category,status,iteration,created_at,updated_at`

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Objective, &t.Category, &t.Status, &t.Iteration, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(id,task_id,ordinal,description,status,result,error_detail,attempts) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Ordinal, s.Description, s.Status, nullableStringPtr(s.Result), nullableStringPtr(s.ErrorDetail), s.Attempts)
	return err
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, result=?, error_detail=?, attempts=? WHERE id=?`,
		s.Status, nullableStringPtr(s.Result), nullableStringPtr(s.ErrorDetail), s.Attempts, s.ID)
	return err
}

// ListSteps returns a task's steps in plan order.
func (r Repo) ListSteps(ctx context.Context, taskID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,ordinal,description,status,result,error_detail,attempts FROM steps WHERE task_id=? ORDER BY ordinal`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var result, errDetail sql.NullString
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Ordinal, &s.Description, &s.Status, &result, &errDetail, &s.Attempts); err != nil {
			return nil, err
		}
		if result.Valid {
			s.Result = &result.String
		}
		if errDetail.Valid {
			s.ErrorDetail = &errDetail.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetTaskWithSteps loads a task and its ordered steps.
func (r Repo) GetTaskWithSteps(ctx context.Context, id string) (domain.Task, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	t.Steps, err = r.ListSteps(ctx, id)
	return t, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entityKind, entityID string) ([]domain.Event, error) {
	q := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,payload_json FROM events`
	var conds []string
	var args []any
	if entityKind != "" {
		conds = append(conds, `entity_kind=?`)
		args = append(args, entityKind)
	}
	if entityID != "" {
		conds = append(conds, `entity_id=?`)
		args = append(args, entityID)
	}
	for i, c := range conds {
		if i == 0 {
			q += ` WHERE ` + c
		} else {
			q += ` AND ` + c
		}
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, q, args...)
}

// EventsAfter returns events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
