package audit

import (
	"context"
	"sync"
	"time"
)

// BuildFunc constructs the next entry given the current chain head hash.
// Implementations must set PreviousEntryHash to the supplied value and fix
// EntryHash before returning. The function runs while the chain is locked,
// so it must not call back into the ledger.
type BuildFunc func(prevHash string) (*Entry, error)

// Filter narrows ledger queries. Zero values match everything.
type Filter struct {
	OrganizationID string
	EnvelopeID     string
	EventType      string
	From           time.Time
	To             time.Time
	Limit          int
}

func (f Filter) matches(e *Entry) bool {
	if f.OrganizationID != "" && e.OrganizationID != f.OrganizationID {
		return false
	}
	if f.EnvelopeID != "" && e.EnvelopeID != f.EnvelopeID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Ledger is the append-only audit chain.
//
// Append writes a fully built entry and fails with ErrChainMismatch when its
// PreviousEntryHash no longer matches the head; callers must not retry an
// Append without going back through AppendAtomic to pick up the new head.
type Ledger interface {
	Append(ctx context.Context, e *Entry) error
	AppendAtomic(ctx context.Context, build BuildFunc) (*Entry, error)
	Head(ctx context.Context) (string, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Count(ctx context.Context) (int64, error)
	// Since returns entries at insertion positions >= offset, in order.
	Since(ctx context.Context, offset int64) ([]*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}

// MemoryLedger keeps the chain in process memory. Writers serialize on a
// mutex; reads return copies so callers cannot mutate stored entries.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]int
	head    string
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byID: make(map[string]int)}
}

func (l *MemoryLedger) Append(ctx context.Context, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(e)
}

func (l *MemoryLedger) appendLocked(e *Entry) error {
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	if e.PreviousEntryHash != l.head {
		return ErrChainMismatch
	}
	computed, err := ComputeEntryHash(e)
	if err != nil {
		return err
	}
	if computed != e.EntryHash {
		return ErrHashMismatch
	}
	clone := *e
	l.byID[clone.ID] = len(l.entries)
	l.entries = append(l.entries, &clone)
	l.head = clone.EntryHash
	return nil
}

func (l *MemoryLedger) AppendAtomic(ctx context.Context, build BuildFunc) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := build(l.head)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(e); err != nil {
		return nil, err
	}
	clone := *e
	return &clone, nil
}

func (l *MemoryLedger) Head(ctx context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head, nil
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	clone := *l.entries[idx]
	return &clone, nil
}

func (l *MemoryLedger) Count(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries)), nil
}

func (l *MemoryLedger) Since(ctx context.Context, offset int64) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(l.entries)) {
		return nil, nil
	}
	out := make([]*Entry, 0, int64(len(l.entries))-offset)
	for _, e := range l.entries[offset:] {
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		clone := *e
		out = append(out, &clone)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
