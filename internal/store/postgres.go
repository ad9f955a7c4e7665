// Package store implements the durable session store on Postgres via the
// go-zero sqlx connection and the internal models.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradepilot/internal/model"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

// Postgres is the SQL-backed session.Store. The at-most-one-running
// invariant lives in the schema (partial unique index); cycle accounting is
// a single UPDATE, so both hold under concurrent workers.
type Postgres struct {
	sessions model.SessionsModel
	cycles   model.CycleRecordsModel
}

var _ session.Store = (*Postgres)(nil)

// New builds a store over an existing connection.
func New(conn sqlx.SqlConn) *Postgres {
	return &Postgres{
		sessions: model.NewSessionsModel(conn),
		cycles:   model.NewCycleRecordsModel(conn),
	}
}

// Open connects to Postgres with the pgx driver and returns a store.
func Open(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres dsn is required")
	}
	return New(sqlx.NewSqlConn("pgx", dsn)), nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *session.Session) error {
	symbols, err := json.Marshal(s.Symbols)
	if err != nil {
		return fmt.Errorf("store: marshal symbols: %w", err)
	}
	riskJSON, err := json.Marshal(s.Risk)
	if err != nil {
		return fmt.Errorf("store: marshal risk params: %w", err)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = session.StatusRunning
	}
	if s.BgStatus == "" {
		s.BgStatus = session.BgIdle
	}

	id, err := p.sessions.Insert(ctx, &model.Sessions{
		CreatedAt:       s.CreatedAt,
		InitialCapital:  s.InitialCapital,
		Symbols:         string(symbols),
		RiskParams:      string(riskJSON),
		IntervalSeconds: int64(s.Interval / time.Second),
		Status:          string(s.Status),
		BgStatus:        string(s.BgStatus),
	})
	if err != nil {
		if errors.Is(err, model.ErrRunningExists) {
			return session.ErrAlreadyRunning
		}
		return err
	}
	s.ID = id
	return nil
}

func (p *Postgres) FindSession(ctx context.Context, id int64) (*session.Session, error) {
	row, err := p.sessions.FindOne(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return fromRow(row)
}

func (p *Postgres) ListSessions(ctx context.Context, f session.ListFilter) ([]*session.Session, error) {
	rows, err := p.sessions.List(ctx, string(f.Status), string(f.BgStatus), f.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		s, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) UpdateBgStatus(ctx context.Context, id int64, to session.BgStatus) error {
	row, err := p.sessions.FindOne(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return session.ErrNotFound
		}
		return err
	}
	from := session.BgStatus(row.BgStatus)
	if !session.CanTransition(from, to) {
		return session.ErrBadTransition
	}
	// Optimistic: the update only lands if nobody moved the state since the
	// read.
	moved, err := p.sessions.UpdateBgStatus(ctx, id, string(from), string(to))
	if err != nil {
		return err
	}
	if !moved {
		return session.ErrBadTransition
	}
	if to == session.BgRunning {
		return p.sessions.SetStartedAt(ctx, id, time.Now().UTC())
	}
	return nil
}

func (p *Postgres) SetSessionStatus(ctx context.Context, id int64, status session.Status, note string) error {
	stopped := status == session.StatusStopped || status == session.StatusCrashed || status == session.StatusCompleted
	return p.sessions.SetStatus(ctx, id, string(status), note, stopped)
}

func (p *Postgres) MarkCycle(ctx context.Context, id int64, at time.Time, lastErr string) error {
	err := p.sessions.MarkCycle(ctx, id, at.UTC(), lastErr)
	if errors.Is(err, model.ErrNotFound) {
		return session.ErrNotFound
	}
	return err
}

func (p *Postgres) AppendCycleRecord(ctx context.Context, rec *session.CycleRecord) error {
	row := &model.CycleRecords{
		Id:            rec.ID,
		SessionId:     rec.SessionID,
		CycleNumber:   rec.CycleNumber,
		Ts:            rec.Ts.UTC(),
		FailedStage:   rec.FailedStage,
		Error:         rec.Error,
		PromptDigest:  rec.PromptDigest,
		UserPrompt:    rec.UserPrompt,
		RawReply:      rec.RawReply,
		Thinking:      rec.Thinking,
		ParseErrors:   mustJSON(rec.ParseErrors),
		Decisions:     mustJSON(rec.Decisions),
		Verdicts:      mustJSON(rec.Verdicts),
		Portfolio:     mustJSON(rec.Portfolio),
		Executions:    mustJSON(rec.Executions),
		Equity:        rec.Account.Equity,
		UnrealizedPnl: rec.Account.UnrealizedPnl,
		TotalAsset:    rec.Account.TotalAsset,
		AvailableCash: rec.Account.AvailableCash,
		DecisionType:  rec.PrimaryAction(),
		Snapshot:      rec.Snapshot,
	}
	return p.cycles.Insert(ctx, row)
}

func (p *Postgres) ListCycleRecords(ctx context.Context, sessionID int64, limit int) ([]*session.CycleRecord, error) {
	rows, err := p.cycles.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*session.CycleRecord, 0, len(rows))
	for _, row := range rows {
		rec := &session.CycleRecord{
			ID:           row.Id,
			SessionID:    row.SessionId,
			CycleNumber:  row.CycleNumber,
			Ts:           row.Ts,
			FailedStage:  row.FailedStage,
			Error:        row.Error,
			PromptDigest: row.PromptDigest,
			UserPrompt:   row.UserPrompt,
			RawReply:     row.RawReply,
			Thinking:     row.Thinking,
			Snapshot:     row.Snapshot,
			Account: session.AccountSummary{
				Equity:        row.Equity,
				UnrealizedPnl: row.UnrealizedPnl,
				TotalAsset:    row.TotalAsset,
				AvailableCash: row.AvailableCash,
			},
		}
		fromJSON(row.ParseErrors, &rec.ParseErrors)
		fromJSON(row.Decisions, &rec.Decisions)
		fromJSON(row.Verdicts, &rec.Verdicts)
		fromJSON(row.Portfolio, &rec.Portfolio)
		fromJSON(row.Executions, &rec.Executions)
		out = append(out, rec)
	}
	return out, nil
}

func (p *Postgres) AssetTimeline(ctx context.Context, sessionID int64) ([]session.TimelinePoint, error) {
	rows, err := p.cycles.Timeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]session.TimelinePoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, session.TimelinePoint{
			Ts:             row.Ts,
			AccountBalance: row.AvailableCash,
			UnrealizedPnl:  row.UnrealizedPnl,
			TotalAsset:     row.TotalAsset,
			DecisionType:   row.DecisionType,
		})
	}
	return out, nil
}

func fromRow(row *model.Sessions) (*session.Session, error) {
	s := &session.Session{
		ID:             row.Id,
		CreatedAt:      row.CreatedAt,
		InitialCapital: row.InitialCapital,
		Interval:       time.Duration(row.IntervalSeconds) * time.Second,
		Status:         session.Status(row.Status),
		BgStatus:       session.BgStatus(row.BgStatus),
		CycleCount:     row.CycleCount,
		LastError:      row.LastError,
	}
	if err := json.Unmarshal([]byte(row.Symbols), &s.Symbols); err != nil {
		return nil, fmt.Errorf("store: session %d symbols: %w", row.Id, err)
	}
	var params risk.Params
	if err := json.Unmarshal([]byte(row.RiskParams), &params); err != nil {
		return nil, fmt.Errorf("store: session %d risk params: %w", row.Id, err)
	}
	s.Risk = params
	if row.LastCycleAt.Valid {
		t := row.LastCycleAt.Time
		s.LastCycleAt = &t
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		s.StartedAt = &t
	}
	if row.StoppedAt.Valid {
		t := row.StoppedAt.Time
		s.StoppedAt = &t
	}
	return s, nil
}

// mustJSON serializes audit payloads; they are plain structs and cannot fail
// to marshal.
func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func fromJSON(s string, v any) {
	if s == "" || s == "null" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}
