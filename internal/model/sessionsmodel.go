package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = sqlx.ErrNotFound

// ErrRunningExists is returned when inserting a session while another row
// still has status running. Enforced by a partial unique index.
var ErrRunningExists = errors.New("model: a running session already exists")

const pgUniqueViolation = "23505"

var _ SessionsModel = (*defaultSessionsModel)(nil)

type (
	// SessionsModel provides access to the sessions table.
	SessionsModel interface {
		Insert(ctx context.Context, row *Sessions) (int64, error)
		FindOne(ctx context.Context, id int64) (*Sessions, error)
		List(ctx context.Context, status, bgStatus string, limit int) ([]*Sessions, error)
		// UpdateBgStatus flips bg_status only when the row still carries
		// the expected current value; reports whether a row changed.
		UpdateBgStatus(ctx context.Context, id int64, from, to string) (bool, error)
		SetStatus(ctx context.Context, id int64, status, note string, stopped bool) error
		SetStartedAt(ctx context.Context, id int64, at time.Time) error
		// MarkCycle advances cycle_count, stamps last_cycle_at and writes
		// (or clears) last_error in one statement.
		MarkCycle(ctx context.Context, id int64, at time.Time, lastErr string) error
	}

	defaultSessionsModel struct {
		conn sqlx.SqlConn
	}

	// Sessions mirrors one sessions row.
	Sessions struct {
		Id              int64        `db:"id"`
		CreatedAt       time.Time    `db:"created_at"`
		InitialCapital  float64      `db:"initial_capital"`
		Symbols         string       `db:"symbols"`     // JSON array
		RiskParams      string       `db:"risk_params"` // JSON object
		IntervalSeconds int64        `db:"interval_seconds"`
		Status          string       `db:"status"`
		BgStatus        string       `db:"bg_status"`
		CycleCount      int64        `db:"cycle_count"`
		LastCycleAt     sql.NullTime `db:"last_cycle_at"`
		LastError       string       `db:"last_error"`
		StartedAt       sql.NullTime `db:"started_at"`
		StoppedAt       sql.NullTime `db:"stopped_at"`
	}
)

// NewSessionsModel returns a model for the sessions table.
func NewSessionsModel(conn sqlx.SqlConn) SessionsModel {
	return &defaultSessionsModel{conn: conn}
}

func (m *defaultSessionsModel) Insert(ctx context.Context, row *Sessions) (int64, error) {
	const q = `INSERT INTO sessions
		(created_at, initial_capital, symbols, risk_params, interval_seconds, status, bg_status, cycle_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '')
		RETURNING id`
	var id int64
	err := m.conn.QueryRowCtx(ctx, &id, q,
		row.CreatedAt, row.InitialCapital, row.Symbols, row.RiskParams,
		row.IntervalSeconds, row.Status, row.BgStatus)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrRunningExists
		}
		return 0, fmt.Errorf("model: insert session: %w", err)
	}
	return id, nil
}

func (m *defaultSessionsModel) FindOne(ctx context.Context, id int64) (*Sessions, error) {
	const q = `SELECT id, created_at, initial_capital, symbols, risk_params, interval_seconds,
		status, bg_status, cycle_count, last_cycle_at, last_error, started_at, stopped_at
		FROM sessions WHERE id = $1`
	var row Sessions
	err := m.conn.QueryRowCtx(ctx, &row, q, id)
	switch {
	case err == nil:
		return &row, nil
	case errors.Is(err, sqlx.ErrNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("model: find session %d: %w", id, err)
	}
}

func (m *defaultSessionsModel) List(ctx context.Context, status, bgStatus string, limit int) ([]*Sessions, error) {
	var (
		conds []string
		args  []any
	)
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if bgStatus != "" {
		args = append(args, bgStatus)
		conds = append(conds, fmt.Sprintf("bg_status = $%d", len(args)))
	}
	q := `SELECT id, created_at, initial_capital, symbols, risk_params, interval_seconds,
		status, bg_status, cycle_count, last_cycle_at, last_error, started_at, stopped_at
		FROM sessions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []*Sessions
	if err := m.conn.QueryRowsCtx(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("model: list sessions: %w", err)
	}
	return rows, nil
}

func (m *defaultSessionsModel) UpdateBgStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	const q = `UPDATE sessions SET bg_status = $1 WHERE id = $2 AND bg_status = $3`
	res, err := m.conn.ExecCtx(ctx, q, to, id, from)
	if err != nil {
		return false, fmt.Errorf("model: update bg_status %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("model: update bg_status %d: %w", id, err)
	}
	return n > 0, nil
}

func (m *defaultSessionsModel) SetStatus(ctx context.Context, id int64, status, note string, stopped bool) error {
	var err error
	if stopped {
		const q = `UPDATE sessions SET status = $1,
			last_error = CASE WHEN $2 <> '' THEN $2 ELSE last_error END,
			stopped_at = now() WHERE id = $3`
		_, err = m.conn.ExecCtx(ctx, q, status, note, id)
	} else {
		const q = `UPDATE sessions SET status = $1,
			last_error = CASE WHEN $2 <> '' THEN $2 ELSE last_error END
			WHERE id = $3`
		_, err = m.conn.ExecCtx(ctx, q, status, note, id)
	}
	if err != nil {
		return fmt.Errorf("model: set status %d: %w", id, err)
	}
	return nil
}

func (m *defaultSessionsModel) SetStartedAt(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE sessions SET started_at = $1 WHERE id = $2 AND started_at IS NULL`
	if _, err := m.conn.ExecCtx(ctx, q, at, id); err != nil {
		return fmt.Errorf("model: set started_at %d: %w", id, err)
	}
	return nil
}

func (m *defaultSessionsModel) MarkCycle(ctx context.Context, id int64, at time.Time, lastErr string) error {
	const q = `UPDATE sessions SET cycle_count = cycle_count + 1, last_cycle_at = $1, last_error = $2 WHERE id = $3`
	res, err := m.conn.ExecCtx(ctx, q, at, lastErr, id)
	if err != nil {
		return fmt.Errorf("model: mark cycle %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
