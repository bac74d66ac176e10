// Package sink fans inscribed runes out to external destinations. Sinks
// are advisory: a failing sink is logged and skipped, never blocking the
// interception path or the chain write that already happened.
package sink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// Sink receives a copy of every rune that passes its filter.
type Sink interface {
	Name() string
	Emit(ctx context.Context, r *runechain.Rune) error
	Close() error
}

// Route pairs a sink with a decision filter. An empty filter forwards
// every rune.
type Route struct {
	Sink      Sink
	Decisions []ward.Decision
}

func (rt Route) wants(d ward.Decision) bool {
	if len(rt.Decisions) == 0 {
		return true
	}
	for _, want := range rt.Decisions {
		if want == d {
			return true
		}
	}
	return false
}

// Fanout dispatches runes to a set of routed sinks.
type Fanout struct {
	mu     sync.RWMutex
	routes []Route
	logger *slog.Logger
}

func NewFanout(routes ...Route) *Fanout {
	return &Fanout{
		routes: routes,
		logger: slog.Default().With("component", "sink"),
	}
}

// Add registers a route after construction.
func (f *Fanout) Add(rt Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, rt)
}

// Dispatch forwards the rune to every matching sink. Errors are absorbed
// and logged per sink.
func (f *Fanout) Dispatch(ctx context.Context, r *runechain.Rune) {
	f.mu.RLock()
	routes := f.routes
	f.mu.RUnlock()

	for _, rt := range routes {
		if !rt.wants(r.Decision) {
			continue
		}
		if err := rt.Sink.Emit(ctx, r); err != nil {
			f.logger.Warn("sink emit failed",
				"sink", rt.Sink.Name(),
				"sequence", r.Sequence,
				"error", err,
			)
		}
	}
}

// Close closes all sinks, returning the first error encountered.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var first error
	for _, rt := range f.routes {
		if err := rt.Sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.routes = nil
	return first
}
