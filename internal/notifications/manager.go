// Package notifications raises desktop notifications for loop events
package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-loop/internal/config"
	"github.com/mrcode/nightscout-loop/internal/logging"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/models"
)

// Alert type constants
const (
	alertCarbsRequired = "carbs_required"
	alertSuspended     = "zero_temp"
	alertLoopFailed    = "loop_failed"
	alertPumpFault     = "pump_fault"
)

// Manager turns loop events into desktop notifications. Each alert type is
// raised once per episode and repeated after the configured interval.
type Manager struct {
	settings      *config.Settings
	lastAlertTime map[string]time.Time
	mu            sync.Mutex
	notify        func(title, message string) error
	clock         func() time.Time
	log           *zap.Logger
}

// NewManager creates a new notification manager
func NewManager(settings *config.Settings, log *zap.Logger) *Manager {
	return &Manager{
		settings:      settings.Clone(),
		lastAlertTime: make(map[string]time.Time),
		notify:        sendNotification,
		clock:         time.Now,
		log:           logging.OrNop(log),
	}
}

// UpdateSettings replaces the settings snapshot
func (m *Manager) UpdateSettings(settings *config.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings.Clone()
}

// OnLoopEvent implements loop.Observer
func (m *Manager) OnLoopEvent(e loop.Event) {
	if err := m.CheckAndNotify(e); err != nil {
		m.log.Warn("notification failed", zap.Error(err))
	}
}

// CheckAndNotify raises the alerts the event calls for
func (m *Manager) CheckAndNotify(e loop.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.Notifications {
		return nil
	}

	active := m.alertsFor(e)
	// an episode ends when a suggestion no longer calls for the alert
	if e.Kind == loop.EventSuggestion {
		for _, t := range []string{alertCarbsRequired, alertSuspended} {
			if _, ok := active[t]; !ok {
				delete(m.lastAlertTime, t)
			}
		}
		delete(m.lastAlertTime, alertLoopFailed)
		delete(m.lastAlertTime, alertPumpFault)
	}

	for _, alertType := range []string{alertPumpFault, alertLoopFailed, alertSuspended, alertCarbsRequired} {
		message, ok := active[alertType]
		if !ok || m.suppressed(alertType) {
			continue
		}
		if err := m.notify(title(alertType), message); err != nil {
			return err
		}
		m.lastAlertTime[alertType] = m.clock()
	}
	return nil
}

func (m *Manager) suppressed(alertType string) bool {
	lastTime, ok := m.lastAlertTime[alertType]
	if !ok {
		return false
	}
	if m.settings.AlertRepeat <= 0 {
		return true
	}
	return m.clock().Sub(lastTime) < m.settings.AlertRepeat
}

// alertsFor maps an event to alert messages by type
func (m *Manager) alertsFor(e loop.Event) map[string]string {
	alerts := map[string]string{}
	switch e.Kind {
	case loop.EventFailed:
		if e.Err == nil {
			break
		}
		if loop.IsFault(e.Err, loop.PumpFault) {
			alerts[alertPumpFault] = e.Err.Error()
		} else {
			alerts[alertLoopFailed] = e.Err.Error()
		}
	case loop.EventSuggestion:
		s := e.Suggestion
		if s == nil {
			break
		}
		if s.CarbsRequired > 0 {
			alerts[alertCarbsRequired] = fmt.Sprintf("%.0f g carbs needed, predicted low %s",
				s.CarbsRequired, m.formatValue(s.MinPredBG))
		}
		if s.Rate != nil && *s.Rate == 0 {
			alerts[alertSuspended] = fmt.Sprintf("Zero temp suggested, glucose %s, eventual %s",
				m.formatValue(s.BG), m.formatValue(s.EventualBG))
		}
	}
	return alerts
}

func (m *Manager) formatValue(mgdl float64) string {
	if m.settings.Units == config.UnitMmolL {
		return fmt.Sprintf("%.1f mmol/L", models.ToMmol(mgdl))
	}
	return fmt.Sprintf("%.0f mg/dL", mgdl)
}

func title(alertType string) string {
	switch alertType {
	case alertCarbsRequired:
		return "🍬 Carbs Required"
	case alertSuspended:
		return "⬇️ Insulin Suspended"
	case alertPumpFault:
		return "⚠️ PUMP NOT RESPONDING"
	default:
		return "⚠️ Loop Failed"
	}
}

// sendNotification sends a system notification
func sendNotification(title, message string) error {
	// Use beeep for cross-platform notifications
	return beeep.Notify(title, message, "")
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.notify("Nightscout Loop", "Test notification - alerts are working!")
}

var _ loop.Observer = (*Manager)(nil)
