package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one immutable audit record of an accepted mutation. Value
// is nil for deletes; ActorID is nil for anonymous actors.
type Entry struct {
	ResourceID string
	Method     string
	Name       string
	Value      *string
	ActorID    *string
	ActorName  string
	Origin     string
	At         time.Time
}

// HistorySink is the append-only audit log backend.
type HistorySink interface {
	Append(ctx context.Context, e Entry) error
}

// History appends mutation records without ever blocking or failing
// the mutation that produced them. Persistence errors are logged and
// dropped; the log is observability, not a correctness dependency.
type History struct {
	sink    HistorySink
	logger  *slog.Logger
	appends sync.WaitGroup
}

func NewHistory(sink HistorySink, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{sink: sink, logger: logger}
}

// Append records e in the background.
func (h *History) Append(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.appends.Add(1)
	go func() {
		defer h.appends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := h.sink.Append(ctx, e); err != nil {
			h.logger.Error("history append failed",
				"resource", e.ResourceID, "method", e.Method, "name", e.Name, "error", err)
		}
	}()
}

// Sync blocks until all in-flight appends have finished.
func (h *History) Sync() {
	h.appends.Wait()
}
