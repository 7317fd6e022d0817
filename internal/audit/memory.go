package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecorder keeps the log in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time

	// FailOn, when set, is consulted before every append. A non-nil error
	// aborts the append and is returned to the caller.
	FailOn func(Entry) error
}

// NewMemoryRecorder creates an empty in-memory log.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{now: func() time.Time { return time.Now().UTC() }}
}

// Append implements Recorder.
func (r *MemoryRecorder) Append(_ context.Context, e Entry) (Entry, error) {
	if err := checkEntry(e); err != nil {
		return Entry{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailOn != nil {
		if err := r.FailOn(e); err != nil {
			return Entry{}, err
		}
	}
	e.Seq = uint64(len(r.entries)) + 1
	e.Timestamp = r.now()
	e.Detail = cloneDetail(e.Detail)
	r.entries = append(r.entries, e)
	return e, nil
}

// ByRequest implements Recorder.
func (r *MemoryRecorder) ByRequest(_ context.Context, requestID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.RequestID == requestID {
			e.Detail = cloneDetail(e.Detail)
			out = append(out, e)
		}
	}
	return out, nil
}

// Requests implements Recorder.
func (r *MemoryRecorder) Requests(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, e := range r.entries {
		if !seen[e.RequestID] {
			seen[e.RequestID] = true
			ids = append(ids, e.RequestID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// All returns every entry in sequence order.
func (r *MemoryRecorder) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Actions returns the actions of one request in order. Handy in assertions.
func (r *MemoryRecorder) Actions(requestID string) []Action {
	entries, _ := r.ByRequest(context.Background(), requestID)
	out := make([]Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
