package audit

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
)

// MemoryLedger is an in-process Ledger used by tests and tooling.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
	clock   func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{clock: time.Now}
}

// WithClock overrides the time source (for testing).
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(_ context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := canonicalize.ZeroHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	e, err := seal(rec, prev, l.clock())
	if err != nil {
		return nil, err
	}
	e.ID = int64(len(l.entries) + 1)
	l.entries = append(l.entries, *e)
	return e, nil
}

func (l *MemoryLedger) Entries(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.ID <= f.AfterID || (f.Target != "" && e.Target != f.Target) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) VerifyChain(_ context.Context) error {
	l.mu.Lock()
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()
	return Verify(entries)
}
