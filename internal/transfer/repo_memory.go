package transfer

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger useful for tests. It enforces the same
// invariants as the Postgres implementation, including the one-in-flight-
// per-source-leg rule under concurrency.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) Create(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.SourceLegID == "" {
		return ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.records {
		if existing.SourceLegID == rec.SourceLegID && existing.Status.InFlight() {
			return ErrTransferInProgress
		}
	}
	l.records[rec.ID] = rec
	return nil
}

func (l *MemoryLedger) SetConsultLeg(ctx context.Context, id, consultLegID string) error {
	if id == "" || consultLegID == "" {
		return ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.ConsultLegID = consultLegID
	l.records[id] = rec
	return nil
}

func (l *MemoryLedger) FindByConsultLeg(ctx context.Context, consultLegID string) (Record, error) {
	if consultLegID == "" {
		return Record{}, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		found bool
		out   Record
	)
	for _, rec := range l.records {
		if rec.ConsultLegID != consultLegID {
			continue
		}
		if !found || rec.InitiatedAt.After(out.InitiatedAt) {
			out = rec
			found = true
		}
	}
	if !found {
		return Record{}, ErrRecordNotFound
	}
	return out, nil
}

func (l *MemoryLedger) InFlightBySourceLeg(ctx context.Context, sourceLegID string) (Record, bool, error) {
	if sourceLegID == "" {
		return Record{}, false, ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		found bool
		out   Record
	)
	for _, rec := range l.records {
		if rec.SourceLegID != sourceLegID || !rec.Status.InFlight() {
			continue
		}
		if !found || rec.InitiatedAt.After(out.InitiatedAt) {
			out = rec
			found = true
		}
	}
	return out, found, nil
}

func (l *MemoryLedger) MarkBridged(ctx context.Context, id, agentLegID, commandID string) error {
	return l.transition(id, func(rec *Record) bool {
		if rec.Status != StatusInitiated {
			return false
		}
		rec.Status = StatusBridged
		if agentLegID != "" {
			rec.AgentLegID = agentLegID
		}
		if commandID != "" {
			rec.CommandID = commandID
		}
		return true
	})
}

func (l *MemoryLedger) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return l.transition(id, func(rec *Record) bool {
		if rec.Status != StatusBridged {
			return false
		}
		rec.Status = StatusCompleted
		rec.CompletedAt = &at
		return true
	})
}

func (l *MemoryLedger) MarkFailed(ctx context.Context, id, detail string) error {
	return l.transition(id, func(rec *Record) bool {
		if !rec.Status.InFlight() {
			return false
		}
		rec.Status = StatusFailed
		rec.FailureDetail = detail
		return true
	})
}

func (l *MemoryLedger) transition(id string, apply func(*Record) bool) error {
	if id == "" {
		return ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !apply(&rec) {
		return ErrInvalidTransferState
	}
	l.records[id] = rec
	return nil
}

// Records returns a snapshot of all stored records, for assertions.
func (l *MemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	return out
}
