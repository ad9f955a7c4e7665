package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session id does not exist.
	ErrNotFound = errors.New("session: not found")
	// ErrAlreadyRunning is returned when creating a session while another
	// one is still running.
	ErrAlreadyRunning = errors.New("session: another session is already running")
	// ErrBadTransition is returned for an illegal bg_status move.
	ErrBadTransition = errors.New("session: illegal bg_status transition")
)

// ListFilter narrows ListSessions.
type ListFilter struct {
	Status   Status
	BgStatus BgStatus
	Limit    int
}

// Store is the persistence contract. Implementations must enforce the
// at-most-one-running invariant inside CreateSession and make MarkCycle
// atomic with respect to concurrent readers.
type Store interface {
	// CreateSession persists a new session and assigns its ID. Fails with
	// ErrAlreadyRunning when any session still has status running.
	CreateSession(ctx context.Context, s *Session) error

	// FindSession loads one session or ErrNotFound.
	FindSession(ctx context.Context, id int64) (*Session, error)

	// ListSessions returns sessions matching the filter, newest first.
	ListSessions(ctx context.Context, f ListFilter) ([]*Session, error)

	// UpdateBgStatus moves the worker state, validating the transition.
	UpdateBgStatus(ctx context.Context, id int64, to BgStatus) error

	// SetSessionStatus sets the session-level status and last_error note.
	// Stopping statuses also stamp stopped_at.
	SetSessionStatus(ctx context.Context, id int64, status Status, note string) error

	// MarkCycle increments cycle_count by one, stamps last_cycle_at, and
	// records (or clears, when empty) last_error, as a single atomic write.
	MarkCycle(ctx context.Context, id int64, at time.Time, lastErr string) error

	// AppendCycleRecord stores one audit row.
	AppendCycleRecord(ctx context.Context, rec *CycleRecord) error

	// ListCycleRecords returns the newest records for a session, capped at
	// limit when positive.
	ListCycleRecords(ctx context.Context, sessionID int64, limit int) ([]*CycleRecord, error)

	// AssetTimeline returns the session's asset curve oldest first.
	AssetTimeline(ctx context.Context, sessionID int64) ([]TimelinePoint, error)
}
