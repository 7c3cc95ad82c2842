package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter: sync run notifications
// ─────────────────────────────────────────────────────────────

// Event names.
const (
	EventSyncCompleted = "sync:completed"
	EventSyncFailed    = "sync:failed"
)

// EventEmitter receives notifications about finished sync runs.
// The CLI logs them; tests record them with MockEmitter.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes every event to a zap logger.
type LogEmitter struct {
	Log *zap.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, data any) {
	e.Log.Info("event", zap.String("event", event), zap.Any("data", data))
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Snapshot returns a copy of the recorded events.
func (m *MockEmitter) Snapshot() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmittedEvent(nil), m.Events...)
}
