// Package audit is the append-only ledger of request state changes.
//
// Ledgers expose Append and read operations only. The SQL ledgers run on
// whatever handle they are given, so the store passes its open transaction
// and a failed append rolls back the state change it describes.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidEntry is returned when an entry is missing required fields.
var ErrInvalidEntry = errors.New("invalid audit entry")

// defaultQueryLimit caps Query when opts.Limit is unset.
const defaultQueryLimit = 50

// Ledger appends entries and reads a request's full history.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	EntriesFor(ctx context.Context, requestID string) ([]Entry, error)
}

// Validate checks that an entry can be appended.
func Validate(e Entry) error {
	switch {
	case strings.TrimSpace(e.RequestID) == "":
		return fmt.Errorf("%w: request_id is required", ErrInvalidEntry)
	case e.At.IsZero():
		return fmt.Errorf("%w: at is required", ErrInvalidEntry)
	case !e.Event.Valid():
		return fmt.Errorf("%w: unknown event %q", ErrInvalidEntry, e.Event)
	case strings.TrimSpace(e.Actor) == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	return nil
}

// Memory is an in-process ledger.
type Memory struct {
	mu      sync.RWMutex
	seq     int64
	entries []Entry
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// Append records e, assigning the next sequence number.
func (m *Memory) Append(_ context.Context, e Entry) error {
	if err := Validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	e.At = e.At.UTC()
	m.entries = append(m.entries, e)
	return nil
}

// EntriesFor returns every entry for requestID in append order.
func (m *Memory) EntriesFor(_ context.Context, requestID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Query returns entries across all requests, newest first.
func (m *Memory) Query(_ context.Context, opts QueryOpts) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if opts.Event != "" && e.Event != opts.Event {
			continue
		}
		if opts.Actor != "" && e.Actor != opts.Actor {
			continue
		}
		if !opts.Since.IsZero() && e.At.Before(opts.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
