package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the coordinator.
const (
	EventAuthenticateFailure  = "authenticate_failure"
	EventLoginSuccess         = "login_success"
	EventLoginFailure         = "login_failure"
	EventRefreshSuccess       = "refresh_success"
	EventRefreshFailure       = "refresh_failure"
	EventRefreshReuseDetected = "refresh_reuse_detected"
	EventLogout               = "logout"
	EventLogoutAll            = "logout_all"
)

// Severity ranks events for alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one security-relevant outcome. It never carries token material;
// TokenID is the access token's jti, which is safe to log.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	TokenID   string            `json:"token_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps an event with a fresh id and the given time.
func NewEvent(eventType string, severity Severity, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: at.UTC(),
		Type:      eventType,
		Severity:  severity,
	}
}
