package authcore

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/authcore-dev/authcore/internal/audit"
)

// SentrySink forwards security-relevant audit failures to Sentry.
// Successful events become breadcrumbs on the hub; failures become
// messages tagged with the event type.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink wraps a Sentry hub. Pass sentry.CurrentHub() for the
// process-wide one.
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentrySink{hub: hub}
}

func (s *SentrySink) Emit(_ context.Context, event audit.Event) {
	if s == nil || s.hub == nil {
		return
	}

	if event.Success {
		s.hub.AddBreadcrumb(&sentry.Breadcrumb{
			Category:  "auth",
			Message:   string(event.EventType),
			Level:     sentry.LevelInfo,
			Timestamp: event.Timestamp,
		}, nil)
		return
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("auth.event", string(event.EventType))
		if event.UserID != "" {
			scope.SetUser(sentry.User{ID: event.UserID})
		}
		if event.IP != "" {
			scope.SetTag("auth.ip", event.IP)
		}
		for key, value := range event.Metadata {
			scope.SetExtra(key, value)
		}
		scope.SetLevel(sentry.LevelWarning)

		message := string(event.EventType)
		if event.Error != "" {
			message += ": " + event.Error
		}
		s.hub.CaptureMessage(message)
	})
}
