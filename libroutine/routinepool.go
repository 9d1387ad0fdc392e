package libroutine

import (
	"context"
	"sync"
	"time"
)

// Group manages one breaker-guarded loop per key, so callers can start a
// maintenance loop idempotently (e.g. one health-check loop per
// conversation) without tracking goroutines themselves.
type Group struct {
	mu     sync.Mutex
	active map[string]bool
}

var (
	groupInstance *Group
	groupOnce     sync.Once
)

// GetGroup returns the process-wide loop group.
func GetGroup() *Group {
	groupOnce.Do(func() {
		groupInstance = &Group{active: make(map[string]bool)}
	})
	return groupInstance
}

// LoopConfig describes one managed loop.
type LoopConfig struct {
	Key          string
	Threshold    int
	ResetTimeout time.Duration
	Interval     time.Duration
	// Trigger forces an immediate run when signalled. Optional.
	Trigger chan struct{}
	// OnError receives every failed run. Optional.
	OnError   func(error)
	Operation func(ctx context.Context) error
}

// StartLoop starts the loop for cfg.Key unless one is already running. The
// loop stops and the key is released when ctx is cancelled.
func (g *Group) StartLoop(ctx context.Context, cfg *LoopConfig) {
	g.mu.Lock()
	if g.active[cfg.Key] {
		g.mu.Unlock()
		return
	}
	g.active[cfg.Key] = true
	g.mu.Unlock()

	routine := NewRoutine(cfg.Threshold, cfg.ResetTimeout)
	trigger := cfg.Trigger
	if trigger == nil {
		trigger = make(chan struct{})
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(error) {}
	}
	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.active, cfg.Key)
			g.mu.Unlock()
		}()
		routine.Loop(ctx, cfg.Interval, trigger, cfg.Operation, onError)
	}()
}

// IsLoopActive reports whether a loop is currently running for key.
func (g *Group) IsLoopActive(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key]
}
