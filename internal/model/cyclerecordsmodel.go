package model

import (
	"context"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ CycleRecordsModel = (*defaultCycleRecordsModel)(nil)

type (
	// CycleRecordsModel provides access to the append-only cycle_records
	// table.
	CycleRecordsModel interface {
		Insert(ctx context.Context, row *CycleRecords) error
		ListBySession(ctx context.Context, sessionID int64, limit int) ([]*CycleRecords, error)
		Timeline(ctx context.Context, sessionID int64) ([]*TimelineRow, error)
	}

	defaultCycleRecordsModel struct {
		conn sqlx.SqlConn
	}

	// CycleRecords mirrors one cycle_records row. Structured payloads are
	// stored as JSON; the raw market snapshot as a msgpack blob.
	CycleRecords struct {
		Id            string    `db:"id"`
		SessionId     int64     `db:"session_id"`
		CycleNumber   int64     `db:"cycle_number"`
		Ts            time.Time `db:"ts"`
		FailedStage   string    `db:"failed_stage"`
		Error         string    `db:"error"`
		PromptDigest  string    `db:"prompt_digest"`
		UserPrompt    string    `db:"user_prompt"`
		RawReply      string    `db:"raw_reply"`
		Thinking      string    `db:"thinking"`
		ParseErrors   string    `db:"parse_errors"`
		Decisions     string    `db:"decisions"`
		Verdicts      string    `db:"verdicts"`
		Portfolio     string    `db:"portfolio"`
		Executions    string    `db:"executions"`
		Equity        float64   `db:"equity"`
		UnrealizedPnl float64   `db:"unrealized_pnl"`
		TotalAsset    float64   `db:"total_asset"`
		AvailableCash float64   `db:"available_cash"`
		DecisionType  string    `db:"decision_type"`
		Snapshot      []byte    `db:"snapshot"`
	}

	// TimelineRow is the narrow projection the asset curve needs.
	TimelineRow struct {
		Ts            time.Time `db:"ts"`
		AvailableCash float64   `db:"available_cash"`
		UnrealizedPnl float64   `db:"unrealized_pnl"`
		TotalAsset    float64   `db:"total_asset"`
		DecisionType  string    `db:"decision_type"`
	}
)

// NewCycleRecordsModel returns a model for the cycle_records table.
func NewCycleRecordsModel(conn sqlx.SqlConn) CycleRecordsModel {
	return &defaultCycleRecordsModel{conn: conn}
}

func (m *defaultCycleRecordsModel) Insert(ctx context.Context, row *CycleRecords) error {
	const q = `INSERT INTO cycle_records
		(id, session_id, cycle_number, ts, failed_stage, error, prompt_digest,
		 user_prompt, raw_reply, thinking, parse_errors, decisions, verdicts,
		 portfolio, executions, equity, unrealized_pnl, total_asset,
		 available_cash, decision_type, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	_, err := m.conn.ExecCtx(ctx, q,
		row.Id, row.SessionId, row.CycleNumber, row.Ts, row.FailedStage,
		row.Error, row.PromptDigest, row.UserPrompt, row.RawReply, row.Thinking,
		row.ParseErrors, row.Decisions, row.Verdicts, row.Portfolio,
		row.Executions, row.Equity, row.UnrealizedPnl, row.TotalAsset,
		row.AvailableCash, row.DecisionType, row.Snapshot)
	if err != nil {
		return fmt.Errorf("model: insert cycle record: %w", err)
	}
	return nil
}

func (m *defaultCycleRecordsModel) ListBySession(ctx context.Context, sessionID int64, limit int) ([]*CycleRecords, error) {
	q := `SELECT id, session_id, cycle_number, ts, failed_stage, error, prompt_digest,
		user_prompt, raw_reply, thinking, parse_errors, decisions, verdicts,
		portfolio, executions, equity, unrealized_pnl, total_asset,
		available_cash, decision_type, snapshot
		FROM cycle_records WHERE session_id = $1 ORDER BY cycle_number DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $2"
	}
	var rows []*CycleRecords
	if err := m.conn.QueryRowsCtx(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("model: list cycle records: %w", err)
	}
	return rows, nil
}

func (m *defaultCycleRecordsModel) Timeline(ctx context.Context, sessionID int64) ([]*TimelineRow, error) {
	const q = `SELECT ts, available_cash, unrealized_pnl, total_asset, decision_type
		FROM cycle_records WHERE session_id = $1 ORDER BY cycle_number ASC`
	var rows []*TimelineRow
	if err := m.conn.QueryRowsCtx(ctx, &rows, q, sessionID); err != nil {
		return nil, fmt.Errorf("model: timeline: %w", err)
	}
	return rows, nil
}
