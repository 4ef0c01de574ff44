package alert

import (
	"context"
	"sync"

	"github.com/lazypower/tierkeeper/internal/model"
)

// MockChannel is a test double for Channel. It records every alert sent.
type MockChannel struct {
	mu   sync.Mutex
	Err  error
	sent []model.Alert
}

// Send records the alert and returns m.Err.
func (m *MockChannel) Send(ctx context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, a)
	return m.Err
}

// Sent returns a copy of the alerts received so far.
func (m *MockChannel) Sent() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Alert(nil), m.sent...)
}

// Count returns how many alerts matched kind and severity.
func (m *MockChannel) Count(kind model.AlertKind, sev model.Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.sent {
		if a.Kind == kind && a.Severity == sev {
			n++
		}
	}
	return n
}
