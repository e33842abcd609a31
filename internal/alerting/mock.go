package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter records alerts for tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	err    error
}

// MockAlert is one recorded alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// Field returns the value recorded for key.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

// NewMockAlerter creates a new mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

// FailWith makes every following Alert record the alert and return err.
func (m *MockAlerter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{
		Severity: severity,
		Message:  message,
		Fields:   fields,
	})
	return m.err
}

// Alerts returns all recorded alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Count returns the number of recorded alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// HasAlertContaining returns true if any message contains substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	for _, a := range m.Alerts() {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}

// LastAlert returns the last recorded alert, or nil.
func (m *MockAlerter) LastAlert() *MockAlert {
	alerts := m.Alerts()
	if len(alerts) == 0 {
		return nil
	}
	return &alerts[len(alerts)-1]
}
