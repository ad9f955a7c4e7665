package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local dry runs. It
// enforces the same invariants as the SQL-backed store.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
	records  map[int64][]*CycleRecord
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:   1,
		sessions: make(map[int64]*Session),
		records:  make(map[int64][]*CycleRecord),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Status == StatusRunning {
			return ErrAlreadyRunning
		}
	}
	s.ID = m.nextID
	m.nextID++
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = StatusRunning
	}
	if s.BgStatus == "" {
		s.BgStatus = BgIdle
	}
	cp := cloneSession(s)
	m.sessions[s.ID] = cp
	return nil
}

func (m *MemStore) FindSession(_ context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemStore) ListSessions(_ context.Context, f ListFilter) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.BgStatus != "" && s.BgStatus != f.BgStatus {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) UpdateBgStatus(_ context.Context, id int64, to BgStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(s.BgStatus, to) {
		return ErrBadTransition
	}
	s.BgStatus = to
	if to == BgRunning && s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	return nil
}

func (m *MemStore) SetSessionStatus(_ context.Context, id int64, status Status, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if note != "" {
		s.LastError = note
	}
	if status == StatusStopped || status == StatusCrashed || status == StatusCompleted {
		now := time.Now().UTC()
		s.StoppedAt = &now
	}
	return nil
}

func (m *MemStore) MarkCycle(_ context.Context, id int64, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.CycleCount++
	t := at.UTC()
	s.LastCycleAt = &t
	s.LastError = lastErr
	return nil
}

func (m *MemStore) AppendCycleRecord(_ context.Context, rec *CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.SessionID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	m.records[rec.SessionID] = append(m.records[rec.SessionID], &cp)
	return nil
}

func (m *MemStore) ListCycleRecords(_ context.Context, sessionID int64, limit int) ([]*CycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[sessionID]
	out := make([]*CycleRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		cp := *recs[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) AssetTimeline(_ context.Context, sessionID int64) ([]TimelinePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[sessionID]
	out := make([]TimelinePoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, TimelinePoint{
			Ts:             r.Ts,
			AccountBalance: r.Account.AvailableCash,
			UnrealizedPnl:  r.Account.UnrealizedPnl,
			TotalAsset:     r.Account.TotalAsset,
			DecisionType:   r.PrimaryAction(),
		})
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Symbols = append([]string(nil), s.Symbols...)
	if s.LastCycleAt != nil {
		t := *s.LastCycleAt
		cp.LastCycleAt = &t
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		cp.StoppedAt = &t
	}
	return &cp
}
