package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/audit"
)

// Memory is an in-process Store. A single mutex serializes writers, which
// makes the status check and the write one atomic step.
type Memory struct {
	mu       sync.RWMutex
	requests map[string]access.Request
	order    []string
	ledger   *audit.Memory
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[string]access.Request),
		ledger:   audit.NewMemory(),
	}
}

func (m *Memory) Create(ctx context.Context, req access.Request, entries ...audit.Entry) error {
	if err := checkRecord(req); err != nil {
		return err
	}
	if err := checkEntries(req.ID, entries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	m.requests[req.ID] = clone(req)
	m.order = append(m.order, req.ID)
	return m.appendAll(ctx, entries)
}

func (m *Memory) Get(_ context.Context, id string) (access.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return access.Request{}, ErrNotFound
	}
	return clone(req), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]access.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []access.Request
	for i := len(m.order) - 1; i >= 0; i-- {
		req := m.requests[m.order[i]]
		if matches(f, req) {
			out = append(out, clone(req))
		}
	}
	// Insertion order breaks ties between equal created_at values.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Transition(ctx context.Context, t Transition) (access.Request, error) {
	if err := checkTransition(t); err != nil {
		return access.Request{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[t.ID]
	if !ok {
		return access.Request{}, ErrNotFound
	}
	if cur.Status != t.From {
		return access.Request{}, &ConflictError{ID: t.ID, Expected: t.From, Actual: cur.Status}
	}
	cur.Status = t.To
	if t.Decision != nil {
		d := *t.Decision
		cur.Decision = &d
	}
	cur.Secret = nil
	if t.Secret != nil {
		s := *t.Secret
		cur.Secret = &s
	}
	m.requests[t.ID] = cur
	if err := m.appendAll(ctx, t.Entries); err != nil {
		return access.Request{}, err
	}
	return clone(cur), nil
}

func (m *Memory) EntriesFor(ctx context.Context, requestID string) ([]audit.Entry, error) {
	return m.ledger.EntriesFor(ctx, requestID)
}

func (m *Memory) SearchAudit(ctx context.Context, opts audit.QueryOpts) ([]audit.Entry, error) {
	return m.ledger.Query(ctx, opts)
}

func (m *Memory) Close() error { return nil }

// appendAll cannot fail part way: entries were validated before the lock.
func (m *Memory) appendAll(ctx context.Context, entries []audit.Entry) error {
	for _, e := range entries {
		if err := m.ledger.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func clone(r access.Request) access.Request {
	if r.Decision != nil {
		d := *r.Decision
		r.Decision = &d
	}
	if r.Secret != nil {
		s := *r.Secret
		r.Secret = &s
	}
	return r
}
