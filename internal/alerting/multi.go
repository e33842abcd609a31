package alerting

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// MultiAlerter fans alerts out to several channels.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	filter   EventFilter
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// SetFilter restricts AlertEvent to the events f allows.
func (m *MultiAlerter) SetFilter(f EventFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// Alert sends to every channel concurrently. Channel failures are logged and
// returned joined.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := append([]Alerter(nil), m.alerters...)
	m.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, a := range alerters {
		p.Go(func() error {
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", a.Name(),
					"severity", severity.String(),
					"err", err,
				)
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

// AlertEvent sends message at the event's default severity, unless the filter
// drops the event.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	m.mu.RLock()
	allowed := m.filter.Allows(event)
	m.mu.RUnlock()

	if !allowed {
		return nil
	}
	return m.Alert(ctx, EventSeverity(event), message, append([]any{"event", string(event)}, fields...)...)
}
