// Package session defines the durable session model shared by the
// supervisor, the pipeline and the store: session rows, cycle audit records
// and the persistence contract they travel through.
package session

import (
	"time"

	"tradepilot/pkg/decision"
	"tradepilot/pkg/risk"
)

// Status is the session-level lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCrashed   Status = "crashed"
	StatusCompleted Status = "completed"
)

// BgStatus is the background worker state, persisted so status survives
// process restarts.
type BgStatus string

const (
	BgIdle     BgStatus = "idle"
	BgStarting BgStatus = "starting"
	BgRunning  BgStatus = "running"
	BgStopping BgStatus = "stopping"
	BgStopped  BgStatus = "stopped"
	BgCrashed  BgStatus = "crashed"
)

// bgTransitions encodes the worker lifecycle: idle to starting to running to
// stopping to stopped, with crash edges and restart edges from
// stopped/crashed back to starting.
var bgTransitions = map[BgStatus][]BgStatus{
	BgIdle:     {BgStarting},
	BgStarting: {BgRunning, BgStopping, BgCrashed, BgStopped},
	BgRunning:  {BgStopping, BgCrashed, BgStopped},
	BgStopping: {BgStopped, BgCrashed},
	BgStopped:  {BgStarting},
	BgCrashed:  {BgStarting},
}

// CanTransition reports whether moving from one background state to another
// is legal.
func CanTransition(from, to BgStatus) bool {
	for _, next := range bgTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the top-level unit of work. Configuration fields are immutable
// after create; runtime fields are mutated only through Store operations.
type Session struct {
	ID             int64         `json:"id"`
	CreatedAt      time.Time     `json:"created_at"`
	InitialCapital float64       `json:"initial_capital"`
	Symbols        []string      `json:"symbols"`
	Risk           risk.Params   `json:"risk"`
	Interval       time.Duration `json:"interval"`

	Status      Status     `json:"status"`
	BgStatus    BgStatus   `json:"bg_status"`
	CycleCount  int64      `json:"cycle_count"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// ExecutionResult is the per-decision outcome of the execute stage.
type ExecutionResult struct {
	Symbol   string          `json:"symbol"`
	Action   decision.Action `json:"action"`
	Success  bool            `json:"success"`
	OrderID  string          `json:"order_id,omitempty"`
	Quantity float64         `json:"quantity,omitempty"`
	Price    float64         `json:"price,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// AccountSummary captures account aggregates at cycle time.
type AccountSummary struct {
	Equity        float64 `json:"equity"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
	TotalAsset    float64 `json:"total_asset"`
	AvailableCash float64 `json:"available_cash"`
}

// Cycle failure stages recorded on partial cycle records.
const (
	StageAssembleFailed = "assemble_failed"
	StageLLMFailed      = "llm_failed"
)

// CycleRecord is the append-only audit row for one cycle attempt, successful
// or not.
type CycleRecord struct {
	ID           string                 `json:"id"`
	SessionID    int64                  `json:"session_id"`
	CycleNumber  int64                  `json:"cycle_number"`
	Ts           time.Time              `json:"ts"`
	FailedStage  string                 `json:"failed_stage,omitempty"`
	Error        string                 `json:"error,omitempty"`
	PromptDigest string                 `json:"prompt_digest,omitempty"`
	UserPrompt   string                 `json:"user_prompt,omitempty"`
	RawReply     string                 `json:"raw_reply,omitempty"`
	Thinking     string                 `json:"thinking,omitempty"`
	ParseErrors  []string               `json:"parse_errors,omitempty"`
	Decisions    []decision.Decision    `json:"decisions,omitempty"`
	Verdicts     []risk.Verdict         `json:"verdicts,omitempty"`
	Portfolio    *risk.PortfolioVerdict `json:"portfolio,omitempty"`
	Executions   []ExecutionResult      `json:"executions,omitempty"`
	Account      AccountSummary         `json:"account"`
	Snapshot     []byte                 `json:"-"` // msgpack market snapshot blob
}

// PrimaryAction summarizes the cycle for timeline views: the first
// non-hold/wait decision wins, else "hold".
func (r *CycleRecord) PrimaryAction() string {
	for _, d := range r.Decisions {
		if d.Action != decision.ActionHold && d.Action != decision.ActionWait {
			return string(d.Action)
		}
	}
	return string(decision.ActionHold)
}

// TimelinePoint is one sample of the session's asset curve.
type TimelinePoint struct {
	Ts             time.Time `json:"ts"`
	AccountBalance float64   `json:"account_balance"`
	UnrealizedPnl  float64   `json:"unrealized_pnl"`
	TotalAsset     float64   `json:"total_asset"`
	DecisionType   string    `json:"decision_type"`
}
