// Package budget watches per-provider monthly spend against each
// provider's declared budget and raises alerts as thresholds pass.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/cost"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Provider   string
	Level      AlertLevel
	Budget     float64
	CurrentUse float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Monitor struct {
	mu            sync.RWMutex
	tracker       cost.Tracker
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler
	thresholds    Thresholds
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

func NewMonitor(tracker cost.Tracker, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		tracker:       tracker,
		dedup:         dedup,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

func startOfMonth() time.Time {
	now := time.Now().UTC()
	return now.Truncate(24 * time.Hour).AddDate(0, 0, -now.Day()+1)
}

// Check compares the provider's month-to-date spend against its budget
// and dispatches at most one alert per level crossing.
func (m *Monitor) Check(ctx context.Context, provider *domain.Provider) (*Alert, error) {
	if provider.Limits.MonthlyBudgetUSD <= 0 {
		return nil, nil
	}

	currentCost, err := m.tracker.GetProviderTotalCost(ctx, provider.ID, startOfMonth())
	if err != nil {
		return nil, err
	}

	percentage := currentCost / provider.Limits.MonthlyBudgetUSD

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, provider.ID)
		return nil, nil
	}

	if !m.dedup.ShouldAlert(ctx, provider.ID, level) {
		return nil, nil
	}

	alert := &Alert{
		Provider:   provider.ID,
		Level:      level,
		Budget:     provider.Limits.MonthlyBudgetUSD,
		CurrentUse: currentCost,
		Percentage: percentage * 100,
		Timestamp:  time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

// IsBudgetExceeded answers the selector-facing question: should this
// provider be avoided until the month rolls over.
func (m *Monitor) IsBudgetExceeded(ctx context.Context, provider *domain.Provider) (bool, error) {
	if provider.Limits.MonthlyBudgetUSD <= 0 {
		return false, nil
	}

	currentCost, err := m.tracker.GetProviderTotalCost(ctx, provider.ID, startOfMonth())
	if err != nil {
		return false, err
	}

	return currentCost >= provider.Limits.MonthlyBudgetUSD, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"provider", alert.Provider,
		"level", alert.Level,
		"budget", alert.Budget,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}
