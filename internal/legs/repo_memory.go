package legs

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry useful for tests.
// It is not intended for production use: registry state must survive process
// restarts, so the source of truth is always the database.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]Session
	clock    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]Session),
		clock:    time.Now,
	}
}

func (r *MemoryRegistry) GetActiveLegs(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRegistry) SetLeg(ctx context.Context, sessionID string, role Role, legID string) error {
	if sessionID == "" || legID == "" || !ValidRole(role) {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[sessionID]
	s.SessionID = sessionID
	switch role {
	case RoleCustomer:
		s.CustomerLegID = legID
		s.CustomerState = LegStateDialing
	case RoleAgent:
		s.AgentLegID = legID
		s.AgentState = LegStateDialing
	case RoleConsult:
		s.ConsultLegID = legID
		s.ConsultState = LegStateDialing
	}
	s.UpdatedAt = r.clock().UTC()
	r.sessions[sessionID] = s
	return nil
}

func (r *MemoryRegistry) SetLegState(ctx context.Context, legID string, state LegState) error {
	if legID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		matched := false
		if s.CustomerLegID == legID {
			s.CustomerState = state
			matched = true
		}
		if s.AgentLegID == legID {
			s.AgentState = state
			matched = true
		}
		if s.ConsultLegID == legID {
			s.ConsultState = state
			matched = true
		}
		if matched {
			s.UpdatedAt = r.clock().UTC()
			r.sessions[id] = s
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRegistry) ClearSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}
