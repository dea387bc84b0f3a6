// Package usage watches per-user token consumption against a configured
// quota and raises alerts as users approach or cross it.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claudiocassimiro/llm-api/internal/domain"
	"github.com/claudiocassimiro/llm-api/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Username   string
	Level      AlertLevel
	Quota      int64
	TokensUsed int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// Reader is the slice of the user repository the monitor needs.
type Reader interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

type Monitor struct {
	mu            sync.RWMutex
	users         Reader
	quota         int64
	alertHandlers []AlertHandler
	thresholds    Thresholds
	lastAlerts    map[string]AlertLevel
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

// NewMonitor builds a monitor for the given token quota. A quota of zero
// disables monitoring.
func NewMonitor(users Reader, quota int64, thresholds Thresholds) *Monitor {
	return &Monitor{
		users:         users,
		quota:         quota,
		thresholds:    thresholds,
		alertHandlers: make([]AlertHandler, 0),
		lastAlerts:    make(map[string]AlertLevel),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Check re-reads the user's cumulative usage and fires at most one alert per
// level transition. Repeated checks at the same level stay silent.
func (m *Monitor) Check(ctx context.Context, username string) (*Alert, error) {
	if m.quota <= 0 {
		return nil, nil
	}

	user, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	percentage := float64(user.TokensUsed) / float64(m.quota)

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.mu.Lock()
		delete(m.lastAlerts, username)
		m.mu.Unlock()
		return nil, nil
	}

	m.mu.RLock()
	lastLevel, hasLast := m.lastAlerts[username]
	m.mu.RUnlock()

	if hasLast && lastLevel == level {
		return nil, nil
	}

	alert := &Alert{
		Username:   username,
		Level:      level,
		Quota:      m.quota,
		TokensUsed: user.TokensUsed,
		Percentage: percentage * 100,
		Timestamp:  time.Now(),
	}

	m.mu.Lock()
	m.lastAlerts[username] = level
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("usage alert",
		"username", alert.Username,
		"level", alert.Level,
		"quota", alert.Quota,
		"tokens_used", alert.TokensUsed,
		"percentage", alert.Percentage,
	)
}

// NotifyAlertHandler forwards alerts to the configured notifier, for example
// an SNS topic watched by the on-call rotation.
func NotifyAlertHandler(notifier notifications.Notifier) AlertHandler {
	levelToType := map[AlertLevel]notifications.NotificationType{
		AlertLevelWarning:  notifications.NotificationUsageWarning,
		AlertLevelCritical: notifications.NotificationUsageCritical,
		AlertLevelExceeded: notifications.NotificationUsageExceeded,
	}

	return func(alert Alert) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := notifier.Send(ctx, notifications.Notification{
			Type:     levelToType[alert.Level],
			Username: alert.Username,
			Message:  fmt.Sprintf("user %s at %.1f%% of token quota", alert.Username, alert.Percentage),
			Data: map[string]interface{}{
				"quota":       alert.Quota,
				"tokens_used": alert.TokensUsed,
			},
		})
		if err != nil {
			slog.Error("failed to send usage notification", "error", err, "username", alert.Username)
		}
	}
}
