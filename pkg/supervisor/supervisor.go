// Package supervisor owns session worker lifecycles: one goroutine per
// running session, a process-wide handle map, and the durable bg_status
// state machine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradepilot/pkg/engine"
	"tradepilot/pkg/risk"
	"tradepilot/pkg/session"
)

const (
	defaultStopTimeout = 10 * time.Second

	// Consecutive cycles whose audit records fail to persist before the
	// worker gives up and reports itself crashed.
	maxPersistFailures = 3
)

// ErrAlreadyStarted is returned when starting a session whose durable state
// is already starting or running.
var ErrAlreadyStarted = errors.New("supervisor: session already starting or running")

// StartRequest carries the configuration frozen into a new session.
type StartRequest struct {
	Symbols        []string
	Risk           risk.Params
	Interval       time.Duration
	InitialCapital float64
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor manages session workers. The handle map is the only
// process-wide mutable state; everything else lives in the store.
type Supervisor struct {
	store  session.Store
	runner *engine.Runner

	mu      sync.Mutex
	workers map[int64]*worker

	stopTimeout time.Duration
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout overrides the graceful-stop bound. Tests shorten it.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// New constructs a supervisor over the given store and cycle runner.
func New(store session.Store, runner *engine.Runner, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:       store,
		runner:      runner,
		workers:     make(map[int64]*worker),
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a new session in idle state. The store rejects the create
// while another session is still running.
func (s *Supervisor) Create(ctx context.Context, req StartRequest) (*session.Session, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("supervisor: at least one symbol required")
	}
	if req.Interval <= 0 {
		return nil, fmt.Errorf("supervisor: interval must be positive")
	}
	if err := req.Risk.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	sess := &session.Session{
		CreatedAt:      time.Now().UTC(),
		InitialCapital: req.InitialCapital,
		Symbols:        req.Symbols,
		Risk:           req.Risk,
		Interval:       req.Interval,
		Status:         session.StatusRunning,
		BgStatus:       session.BgIdle,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Start spawns the worker for an existing session. Rejected while the
// durable bg_status is starting or running; idle, stopped and crashed
// sessions may (re)start.
func (s *Supervisor) Start(ctx context.Context, id int64) error {
	sess, err := s.store.FindSession(ctx, id)
	if err != nil {
		return err
	}
	switch sess.BgStatus {
	case session.BgStarting, session.BgRunning:
		return ErrAlreadyStarted
	case session.BgStopping:
		return fmt.Errorf("supervisor: session %d is stopping", id)
	}
	if err := s.store.UpdateBgStatus(ctx, id, session.BgStarting); err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	go s.runWorker(workerCtx, id, w)
	return nil
}

// StartNew creates a session and immediately starts its worker.
func (s *Supervisor) StartNew(ctx context.Context, req StartRequest) (*session.Session, error) {
	sess, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop gracefully stops a session worker: durable stopping state, cancel,
// bounded drain, durable stopped state. Stopping a session with no live
// worker is a no-op, so Stop is idempotent.
func (s *Supervisor) Stop(ctx context.Context, id int64) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.store.UpdateBgStatus(ctx, id, session.BgStopping); err != nil && !errors.Is(err, session.ErrBadTransition) {
		return err
	}
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(s.stopTimeout):
		logx.WithContext(ctx).Errorf("supervisor: session %d did not drain within %s", id, s.stopTimeout)
	}

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	if err := s.store.UpdateBgStatus(bg, id, session.BgStopped); err != nil && !errors.Is(err, session.ErrBadTransition) {
		return err
	}
	return s.store.SetSessionStatus(bg, id, session.StatusStopped, "")
}

// Status is a pure read of the durable state. It returns nil when the
// session never started (bg_status idle).
func (s *Supervisor) Status(ctx context.Context, id int64) (*session.Session, error) {
	sess, err := s.store.FindSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.BgStatus == session.BgIdle {
		return nil, nil
	}
	return sess, nil
}

// List returns sessions matching the filter, newest first.
func (s *Supervisor) List(ctx context.Context, f session.ListFilter) ([]*session.Session, error) {
	return s.store.ListSessions(ctx, f)
}

// CycleLog returns the most recent cycle records for a session, newest
// first. limit <= 0 returns everything.
func (s *Supervisor) CycleLog(ctx context.Context, id int64, limit int) ([]*session.CycleRecord, error) {
	if _, err := s.store.FindSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListCycleRecords(ctx, id, limit)
}

// AssetTimeline returns the per-cycle equity curve for a session, oldest
// first.
func (s *Supervisor) AssetTimeline(ctx context.Context, id int64) ([]session.TimelinePoint, error) {
	if _, err := s.store.FindSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.AssetTimeline(ctx, id)
}

// ListRunning reports the session ids with a live worker goroutine right
// now. The durable store remains authoritative for last known state.
func (s *Supervisor) ListRunning() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		out = append(out, id)
	}
	return out
}

// Shutdown stops every live worker with the per-worker stop bound, then
// marks any session still recorded as running with a shutdown note.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, id := range s.ListRunning() {
		if err := s.Stop(ctx, id); err != nil {
			logx.WithContext(ctx).Errorf("supervisor: shutdown stop %d: %v", id, err)
		}
	}
	leftover, err := s.store.ListSessions(ctx, session.ListFilter{BgStatus: session.BgRunning})
	if err != nil {
		return
	}
	for _, sess := range leftover {
		_ = s.store.UpdateBgStatus(ctx, sess.ID, session.BgStopped)
		_ = s.store.SetSessionStatus(ctx, sess.ID, session.StatusStopped, "shutdown")
	}
}

// Recover reconciles durable state after a process restart: any session the
// store believes is live but that has no worker in this process is marked
// crashed.
func (s *Supervisor) Recover(ctx context.Context) error {
	for _, bg := range []session.BgStatus{session.BgStarting, session.BgRunning, session.BgStopping} {
		sessions, err := s.store.ListSessions(ctx, session.ListFilter{BgStatus: bg})
		if err != nil {
			return fmt.Errorf("supervisor: recover: %w", err)
		}
		for _, sess := range sessions {
			s.mu.Lock()
			_, live := s.workers[sess.ID]
			s.mu.Unlock()
			if live {
				continue
			}
			if err := s.store.UpdateBgStatus(ctx, sess.ID, session.BgCrashed); err != nil {
				logx.WithContext(ctx).Errorf("supervisor: recover %d: %v", sess.ID, err)
				continue
			}
			_ = s.store.SetSessionStatus(ctx, sess.ID, session.StatusCrashed, "process restart")
			logx.WithContext(ctx).Infof("supervisor: session %d marked crashed after restart", sess.ID)
		}
	}
	return nil
}

// runWorker is the per-session loop: first cycle immediately, then one cycle
// per interval tick until cancelled. Cycle errors are contained; only a
// failure of the supervisor machinery itself crashes the worker.
func (s *Supervisor) runWorker(ctx context.Context, id int64, w *worker) {
	defer close(w.done)
	logger := logx.WithContext(ctx)

	if err := s.store.UpdateBgStatus(ctx, id, session.BgRunning); err != nil {
		// A cancellation-induced store error, or a state already moved to
		// stopping by Stop, is a graceful stop, not a machinery failure;
		// Stop owns the durable state from here.
		if ctx.Err() != nil || errors.Is(err, session.ErrBadTransition) {
			logger.Infof("supervisor: session %d worker cancelled before running", id)
			return
		}
		s.crashWorker(ctx, id, fmt.Errorf("enter running: %w", err))
		return
	}

	persistFailures := 0
	for {
		sess, err := s.store.FindSession(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				logger.Infof("supervisor: session %d worker exiting", id)
				return
			}
			s.crashWorker(ctx, id, fmt.Errorf("load session: %w", err))
			return
		}

		if s.runOneCycle(ctx, sess, sess.CycleCount+1) {
			persistFailures = 0
		} else if ctx.Err() == nil {
			persistFailures++
			if persistFailures >= maxPersistFailures {
				s.crashWorker(ctx, id, fmt.Errorf("persist cycle records: %d consecutive failures", persistFailures))
				return
			}
		}

		timer := time.NewTimer(sess.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("supervisor: session %d worker exiting", id)
			return
		case <-timer.C:
		}
	}
}

// runOneCycle contains a single cycle: panics and errors update last_error
// and the loop carries on. The return value reports whether the cycle's
// audit records reached the store; RunCycle only errors on persistence.
func (s *Supervisor) runOneCycle(ctx context.Context, sess *session.Session, cycleNo int64) (persisted bool) {
	defer func() {
		if r := recover(); r != nil {
			logx.WithContext(ctx).Errorf("supervisor: session %d cycle %d panic: %v", sess.ID, cycleNo, r)
			err := s.store.MarkCycle(context.WithoutCancel(ctx), sess.ID, time.Now().UTC(), fmt.Sprintf("panic: %v", r))
			persisted = err == nil
		}
	}()
	if _, err := s.runner.RunCycle(ctx, sess, cycleNo); err != nil {
		logx.WithContext(ctx).Errorf("supervisor: session %d cycle %d: %v", sess.ID, cycleNo, err)
		return false
	}
	return true
}

// crashWorker is the machinery-failure exit: durable crashed state, note on
// the session, handle removed.
func (s *Supervisor) crashWorker(ctx context.Context, id int64, cause error) {
	logx.WithContext(ctx).Errorf("supervisor: session %d crashed: %v", id, cause)
	bg := context.WithoutCancel(ctx)
	_ = s.store.UpdateBgStatus(bg, id, session.BgCrashed)
	_ = s.store.SetSessionStatus(bg, id, session.StatusCrashed, cause.Error())
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
}
