package uploader

import (
	"sync"

	"github.com/xiaot623/testinsights/internal/trace"
)

// Buffer is the ordered, append-only collection of every trace completed
// during a run.
type Buffer struct {
	mu     sync.Mutex
	traces []*trace.Trace
}

// Append adds a trace to the end of the buffer.
func (b *Buffer) Append(tr *trace.Trace) {
	b.mu.Lock()
	b.traces = append(b.traces, tr)
	b.mu.Unlock()
}

// Snapshot returns a copy of the buffered traces in completion order.
func (b *Buffer) Snapshot() []*trace.Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*trace.Trace, len(b.traces))
	copy(out, b.traces)
	return out
}
