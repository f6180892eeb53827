// Package notifications is the single source of truth for notification
// state on a client: the persisted history with its read/unread tracking,
// and the bounded, ephemeral active-toast projection that drives on-screen
// pop-ups.
//
// Three event sources feed the store and reconcile into one model. REST
// fetches replace history wholesale and recount the unread badge exactly;
// transport pushes are additive and optimistic; locally-originated toasts
// live only in the projection. A push that lands between a refetch request
// and its response can be transiently absent until the next refetch; the
// refetch is always authoritative.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everyst-io/everyst-client-go/wire"
)

// DefaultMaxToasts bounds the active-toast projection.
const DefaultMaxToasts = 5

// API is the slice of the REST surface the store consumes. Implemented by
// *restapi.Client.
type API interface {
	Notifications(ctx context.Context) ([]wire.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, ids []string) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
	CreateNotification(ctx context.Context, req wire.SendNotificationRequest) (wire.Notification, error)
}

// Session is the slice of the connection manager the store consumes.
type Session interface {
	Connected() bool
	Send(ctx context.Context, req wire.SendNotificationRequest) (wire.Ack, error)
}

// Store reconciles server pushes, REST history and local toasts. Safe for
// concurrent use.
type Store struct {
	api     API
	session Session
	log     *slog.Logger

	mu        sync.Mutex
	history   []Record // most recent first
	unread    int
	toasts    []Record // most recent first, bounded
	maxToasts int
	seen      map[string]struct{} // ids issued or ingested this lifetime
}

// Option configures a Store.
type Option func(*Store)

// WithMaxToasts overrides the active-toast bound.
func WithMaxToasts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxToasts = n
		}
	}
}

// WithLogger routes store diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates a Store over the given REST and session surfaces.
// Either may be nil for a purely local store (degraded mode), in which
// case fetches return empty and sends always fall back to local toasts.
func NewStore(api API, session Session, opts ...Option) *Store {
	s := &Store{
		api:       api,
		session:   session,
		log:       slog.New(slog.DiscardHandler),
		maxToasts: DefaultMaxToasts,
		seen:      map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchHistory replaces the store's history with the server's and
// recounts the unread badge exactly. Without a live authenticated session
// it returns an empty sequence and leaves state untouched: nothing to
// show yet, not an error.
func (s *Store) FetchHistory(ctx context.Context) []Record {
	if s.api == nil || s.session == nil || !s.session.Connected() {
		return nil
	}
	list, err := s.api.Notifications(ctx)
	if err != nil {
		s.log.Warn("history fetch failed", slog.String("error", err.Error()))
		return nil
	}

	records := make([]Record, len(list))
	unread := 0
	for i, n := range list {
		records[i] = fromWire(n)
		if !records[i].Read {
			unread++
		}
	}

	s.mu.Lock()
	s.history = records
	// Authoritative recount: never an increment on this path.
	s.unread = unread
	for _, r := range records {
		s.seen[r.ID] = struct{}{}
	}
	out := append([]Record(nil), s.history...)
	s.mu.Unlock()
	return out
}

// FetchUnreadCount refreshes only the unread badge, without replacing
// history. Returns the current badge value either way.
func (s *Store) FetchUnreadCount(ctx context.Context) int {
	if s.api != nil && s.session != nil && s.session.Connected() {
		if n, err := s.api.UnreadCount(ctx); err == nil {
			s.mu.Lock()
			s.unread = n
			s.mu.Unlock()
		} else {
			s.log.Warn("unread count fetch failed", slog.String("error", err.Error()))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// SetUnreadHint seeds the badge from the authenticate acknowledgement,
// before any history fetch has run. Negative hints are ignored.
func (s *Store) SetUnreadHint(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	s.unread = n
	s.mu.Unlock()
}

// Show places a locally-originated toast into the active projection and
// returns its synthesized id. The projection is most-recent-first and
// bounded; the oldest entries are evicted beyond the maximum. Local
// toasts are not read-tracked and never touch persisted history.
func (s *Store) Show(r Record) string {
	if r.Severity == "" {
		r.Severity = SeverityInfo
	} else {
		r.Severity = normalizeSeverity(string(r.Severity))
	}
	if r.Origin == "" {
		r.Origin = OriginUser
	}

	s.mu.Lock()
	r.ID = s.synthesizeIDLocked(r)
	s.seen[r.ID] = struct{}{}
	s.pushToastLocked(r)
	s.mu.Unlock()
	return r.ID
}

// synthesizeIDLocked prefers a deterministic timestamp-derived id when
// the caller supplied a creation time, degrading to a random suffix on
// collision or when no timestamp is present. Ids are unique for the
// store's lifetime.
func (s *Store) synthesizeIDLocked(r Record) string {
	if !r.CreatedAt.IsZero() {
		id := fmt.Sprintf("local-%d", r.CreatedAt.UnixMilli())
		if _, dup := s.seen[id]; !dup {
			return id
		}
	}
	return "local-" + uuid.NewString()
}

func (s *Store) pushToastLocked(r Record) {
	s.toasts = append([]Record{r}, s.toasts...)
	if len(s.toasts) > s.maxToasts {
		s.toasts = s.toasts[:s.maxToasts]
	}
}

// Ingest applies one server-pushed notification: appended to history,
// projected as a toast, and counted toward the unread badge when the
// record arrives unread. This is the only path that increases the badge
// outside an explicit refetch. Wire it to the connection manager's
// notification listener.
func (s *Store) Ingest(n wire.Notification) {
	r := fromWire(n)
	s.mu.Lock()
	if _, dup := s.seen[r.ID]; dup && r.ID != "" {
		// Already known from a fetch or an earlier push; the projection
		// and badge have counted it.
		s.mu.Unlock()
		return
	}
	s.seen[r.ID] = struct{}{}
	s.history = append([]Record{r}, s.history...)
	if !r.Read {
		s.unread++
	}
	s.pushToastLocked(r)
	s.mu.Unlock()
}

// MarkAsRead flips one record's read flag after server confirmation. No
// optimistic update: a failed call leaves local state unchanged.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if s.api == nil || s.session == nil || !s.session.Connected() {
		return fmt.Errorf("notifications: no live session")
	}
	if _, err := s.api.MarkRead(ctx, []string{id}); err != nil {
		return err
	}
	s.mu.Lock()
	for i := range s.history {
		if s.history[i].ID == id && !s.history[i].Read {
			s.history[i].Read = true
			if s.unread > 0 {
				s.unread--
			}
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// MarkAllAsRead flips every record after server confirmation and zeroes
// the badge.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	if s.api == nil || s.session == nil || !s.session.Connected() {
		return fmt.Errorf("notifications: no live session")
	}
	if _, err := s.api.MarkAllRead(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	for i := range s.history {
		s.history[i].Read = true
	}
	s.unread = 0
	s.mu.Unlock()
	return nil
}

// Remove drops a toast from the active projection. Persisted history and
// read state are unaffected; marking read is a separate, explicit action.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	for i, r := range s.toasts {
		if r.ID == id {
			s.toasts = append(s.toasts[:i], s.toasts[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// ClearAll empties the active-toast projection only.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.toasts = nil
	s.mu.Unlock()
}

// SendUserNotification delivers a notification to userID, preferring the
// live transport. When no transport exists or delivery fails it persists
// over REST if it can and always surfaces exactly one local toast, so the
// originating user's feedback is never silently dropped.
func (s *Store) SendUserNotification(ctx context.Context, userID, title, message string, severity Severity, duration time.Duration) error {
	req := wire.SendNotificationRequest{
		UserID:   userID,
		Title:    title,
		Message:  message,
		Type:     string(normalizeSeverity(string(severity))),
		Duration: int(duration / time.Millisecond),
		Source:   string(OriginUser),
	}
	return s.send(ctx, req)
}

// Broadcast delivers a notification to every user; the local fallback
// behaves as for SendUserNotification.
func (s *Store) Broadcast(ctx context.Context, title, message string, severity Severity, duration time.Duration) error {
	req := wire.SendNotificationRequest{
		Title:    title,
		Message:  message,
		Type:     string(normalizeSeverity(string(severity))),
		Duration: int(duration / time.Millisecond),
		Source:   string(OriginUser),
	}
	return s.send(ctx, req)
}

func (s *Store) send(ctx context.Context, req wire.SendNotificationRequest) error {
	if s.session != nil && s.session.Connected() {
		_, err := s.session.Send(ctx, req)
		if err == nil {
			// Delivered; if it targets this user the server pushes it
			// back and Ingest projects the toast exactly once.
			return nil
		}
		s.log.Warn("transport send failed, falling back locally", slog.String("error", err.Error()))
	}
	if s.api != nil {
		if _, err := s.api.CreateNotification(ctx, req); err != nil {
			s.log.Warn("fallback persist failed", slog.String("error", err.Error()))
		}
	}
	s.Show(Record{
		Title:     req.Title,
		Message:   req.Message,
		Severity:  Severity(req.Type),
		Origin:    OriginUser,
		CreatedAt: time.Now(),
		Duration:  time.Duration(req.Duration) * time.Millisecond,
	})
	return nil
}

// History returns a copy of the persisted history, most recent first.
func (s *Store) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.history...)
}

// Toasts returns a copy of the active-toast projection, most recent
// first.
func (s *Store) Toasts() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.toasts...)
}

// Unread returns the unread badge value.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}
