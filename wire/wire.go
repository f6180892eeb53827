// Package wire defines the event vocabulary spoken over the persistent
// duplex channel between an everyst client and its backend, along with
// the JSON shapes of the payloads and acknowledgements exchanged on it.
//
// The protocol is deliberately small: a handful of client-emitted events
// that each receive a single acknowledgement, and two server-push events
// (notifications and metrics snapshots) that arrive unsolicited while the
// session is live.
package wire

import "time"

// Client-emitted event names. Every emit expects exactly one Ack.
const (
	EventAuthenticate     = "authenticate"
	EventRegisterUser     = "register_user"
	EventSendNotification = "send_notification"
)

// Server-push event names.
const (
	EventNotification  = "notification"
	EventMetricsUpdate = "metrics_update"
)

// Ack status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuthenticateRequest asserts credential freshness on an established
// session. The token travels in-band; transports additionally attach it
// out-of-band at dial time.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// RegisterUserRequest is the deprecated predecessor of authenticate. It
// binds a bare user identifier to the session without proof and is kept
// only so older backends keep routing pushes correctly.
type RegisterUserRequest struct {
	UserID string `json:"user_id"`
}

// SendNotificationRequest asks the server to persist and deliver a
// notification. An empty UserID broadcasts to all connected users.
type SendNotificationRequest struct {
	UserID   string `json:"user_id,omitempty"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
	Type     string `json:"type"`
	Duration int    `json:"duration,omitempty"`
	Source   string `json:"source,omitempty"`
}

// Ack is the single acknowledgement returned for every client emit.
// Fields beyond Status/Message are populated only by specific events:
// authenticate fills UserID, Email and UnreadNotifications.
type Ack struct {
	Status              string `json:"status"`
	Message             string `json:"message,omitempty"`
	UserID              string `json:"user_id,omitempty"`
	Email               string `json:"email,omitempty"`
	UnreadNotifications *int   `json:"unread_notifications,omitempty"`
}

// OK reports whether the acknowledgement signals success.
func (a Ack) OK() bool { return a.Status == StatusSuccess }

// Notification is the wire form of one user-facing event, matching the
// backend's serialized notification record. Timestamp is epoch
// milliseconds on the wire.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message,omitempty"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
	IsSystem  bool   `json:"is_system,omitempty"`
	Source    string `json:"source,omitempty"`
	Duration  int    `json:"duration,omitempty"`
}

// Time converts the wire timestamp to a time.Time.
func (n Notification) Time() time.Time {
	return time.UnixMilli(n.Timestamp)
}

// MetricsUpdate is a server-pushed snapshot of host metrics. The first
// update may arrive immediately after the session is established.
type MetricsUpdate struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"memory"`
	DiskPercent   float64 `json:"disk"`
	NetworkRxKBps float64 `json:"network_rx"`
	NetworkTxKBps float64 `json:"network_tx"`
	Timestamp     int64   `json:"timestamp"`
}

// PushEvent is one unsolicited server-to-client message, tagged with the
// event name it arrived under. Exactly one of the payload fields is set.
type PushEvent struct {
	Event        string
	Notification *Notification
	Metrics      *MetricsUpdate
}
