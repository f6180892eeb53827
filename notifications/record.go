package notifications

import (
	"time"

	"github.com/everyst-io/everyst-client-go/wire"
)

// Severity categorizes a notification for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// normalizeSeverity mirrors the backend: anything unrecognized is info.
func normalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// Origin identifies who produced a notification.
type Origin string

const (
	OriginSystem Origin = "system"
	OriginUser   Origin = "user"
)

// Record is one user-facing notification as held by the store. Identifier
// uniqueness is guaranteed within the store's lifetime.
type Record struct {
	ID        string
	Title     string
	Message   string
	Severity  Severity
	Origin    Origin
	CreatedAt time.Time
	Read      bool
	// Duration is how long a toast stays on screen; zero means the
	// display default.
	Duration time.Duration
}

// fromWire converts a pushed or fetched wire notification.
func fromWire(n wire.Notification) Record {
	origin := OriginUser
	if n.IsSystem || n.Source == "" || n.Source == string(OriginSystem) {
		origin = OriginSystem
	}
	return Record{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Severity:  normalizeSeverity(n.Type),
		Origin:    origin,
		CreatedAt: n.Time(),
		Read:      n.Read,
		Duration:  time.Duration(n.Duration) * time.Millisecond,
	}
}
