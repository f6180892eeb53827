package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/everyst-io/everyst-client-go/wire"
)

// fakeAPI scripts the REST surface.
type fakeAPI struct {
	mu       sync.Mutex
	list     []wire.Notification
	unread   int
	failMark bool
	created  []wire.SendNotificationRequest
}

func (f *fakeAPI) Notifications(context.Context) ([]wire.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Notification(nil), f.list...), nil
}

func (f *fakeAPI) UnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, ids []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMark {
		return 0, errors.New("backend unavailable")
	}
	return len(ids), nil
}

func (f *fakeAPI) MarkAllRead(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMark {
		return 0, errors.New("backend unavailable")
	}
	return len(f.list), nil
}

func (f *fakeAPI) CreateNotification(_ context.Context, req wire.SendNotificationRequest) (wire.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return wire.Notification{ID: "rest-1", Title: req.Title, Type: req.Type}, nil
}

// fakeSession scripts the transport surface.
type fakeSession struct {
	mu        sync.Mutex
	connected bool
	failSend  bool
	sent      []wire.SendNotificationRequest
}

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) Send(_ context.Context, req wire.SendNotificationRequest) (wire.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.failSend {
		return wire.Ack{}, errors.New("no live session")
	}
	f.sent = append(f.sent, req)
	return wire.Ack{Status: wire.StatusSuccess}, nil
}

func wireN(id string, read bool) wire.Notification {
	return wire.Notification{
		ID:        id,
		Title:     "t-" + id,
		Type:      "info",
		Timestamp: time.Now().UnixMilli(),
		Read:      read,
	}
}

func TestFetchHistoryRecountsUnreadExactly(t *testing.T) {
	api := &fakeAPI{list: []wire.Notification{
		wireN("n3", false), wireN("n2", true), wireN("n1", false),
	}}
	sess := &fakeSession{connected: true}
	s := NewStore(api, sess)

	// Poison the badge; the fetch must overwrite, never adjust.
	s.SetUnreadHint(42)

	got := s.FetchHistory(context.Background())
	if len(got) != 3 {
		t.Fatalf("history len = %d, want 3", len(got))
	}
	if s.Unread() != 2 {
		t.Fatalf("unread = %d, want exact recount 2", s.Unread())
	}
}

func TestFetchHistoryWithoutSessionIsEmptyNotError(t *testing.T) {
	api := &fakeAPI{list: []wire.Notification{wireN("n1", false)}}
	s := NewStore(api, &fakeSession{connected: false})

	if got := s.FetchHistory(context.Background()); got != nil {
		t.Fatalf("history = %v, want nil while disconnected", got)
	}
	if s.Unread() != 0 {
		t.Fatalf("unread = %d, want 0", s.Unread())
	}
}

func TestToastProjectionBounded(t *testing.T) {
	s := NewStore(nil, nil)

	var last5 []string
	for i := 1; i <= 11; i++ {
		id := s.Show(Record{Title: fmt.Sprintf("toast %d", i)})
		if i > 6 {
			last5 = append(last5, id)
		}
	}
	toasts := s.Toasts()
	if len(toasts) != DefaultMaxToasts {
		t.Fatalf("toast count = %d, want %d", len(toasts), DefaultMaxToasts)
	}
	// Most recent first: the 5 survivors are shows 7..11 reversed.
	for i, r := range toasts {
		want := last5[len(last5)-1-i]
		if r.ID != want {
			t.Fatalf("toast[%d] = %s, want %s", i, r.ID, want)
		}
	}
}

func TestShowIDSynthesis(t *testing.T) {
	s := NewStore(nil, nil)

	ts := time.UnixMilli(1700000000000)
	id1 := s.Show(Record{Title: "a", CreatedAt: ts})
	if id1 != "local-1700000000000" {
		t.Fatalf("timestamp-derived id = %q", id1)
	}
	// Same timestamp again must not collide.
	id2 := s.Show(Record{Title: "b", CreatedAt: ts})
	if id2 == id1 {
		t.Fatal("duplicate id issued for identical timestamps")
	}
	// No timestamp: random suffix, unique under rapid calls.
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := s.Show(Record{Title: "c"})
		if seen[id] {
			t.Fatalf("duplicate random id %q", id)
		}
		seen[id] = true
	}
}

func TestIngestIncrementsUnreadAndProjects(t *testing.T) {
	s := NewStore(&fakeAPI{}, &fakeSession{connected: true})

	s.Ingest(wireN("p1", false))
	s.Ingest(wireN("p2", true))

	if s.Unread() != 1 {
		t.Fatalf("unread = %d, want 1 (read push must not count)", s.Unread())
	}
	if len(s.History()) != 2 {
		t.Fatalf("history len = %d, want 2", len(s.History()))
	}
	if len(s.Toasts()) != 2 {
		t.Fatalf("toasts len = %d, want 2", len(s.Toasts()))
	}
	if s.Toasts()[0].ID != "p2" {
		t.Fatalf("toast order: got %s first, want most recent", s.Toasts()[0].ID)
	}
}

func TestPushThenRefetchDoesNotDoubleCount(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{connected: true}
	s := NewStore(api, sess)

	// Push arrives first, optimistically counted.
	s.Ingest(wireN("n7", false))
	if s.Unread() != 1 {
		t.Fatalf("unread after push = %d, want 1", s.Unread())
	}

	// The same record then appears in the authoritative refetch.
	api.mu.Lock()
	api.list = []wire.Notification{wireN("n7", false)}
	api.mu.Unlock()
	s.FetchHistory(context.Background())

	if s.Unread() != 1 {
		t.Fatalf("unread after refetch = %d, want 1 (recount, not increment)", s.Unread())
	}

	// A duplicate push of a known id is also not recounted.
	s.Ingest(wireN("n7", false))
	if s.Unread() != 1 {
		t.Fatalf("unread after duplicate push = %d, want 1", s.Unread())
	}
}

func TestMarkAsReadRequiresConfirmation(t *testing.T) {
	api := &fakeAPI{list: []wire.Notification{wireN("n1", false)}}
	sess := &fakeSession{connected: true}
	s := NewStore(api, sess)
	s.FetchHistory(context.Background())

	api.mu.Lock()
	api.failMark = true
	api.mu.Unlock()
	if err := s.MarkAsRead(context.Background(), "n1"); err == nil {
		t.Fatal("expected error from failing backend")
	}
	if s.Unread() != 1 || s.History()[0].Read {
		t.Fatal("state must be unchanged without server confirmation")
	}

	api.mu.Lock()
	api.failMark = false
	api.mu.Unlock()
	if err := s.MarkAsRead(context.Background(), "n1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if s.Unread() != 0 || !s.History()[0].Read {
		t.Fatal("confirmed mark-read must flip local state")
	}
}

func TestMarkAllAsRead(t *testing.T) {
	api := &fakeAPI{list: []wire.Notification{wireN("n1", false), wireN("n2", false)}}
	sess := &fakeSession{connected: true}
	s := NewStore(api, sess)
	s.FetchHistory(context.Background())

	if err := s.MarkAllAsRead(context.Background()); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if s.Unread() != 0 {
		t.Fatalf("unread = %d, want 0", s.Unread())
	}
	for _, r := range s.History() {
		if !r.Read {
			t.Fatalf("record %s still unread", r.ID)
		}
	}
}

func TestRemoveAndClearTouchOnlyProjection(t *testing.T) {
	sess := &fakeSession{connected: true}
	s := NewStore(&fakeAPI{}, sess)

	s.Ingest(wireN("n1", false))
	id := s.Show(Record{Title: "local"})

	s.Remove(id)
	if len(s.Toasts()) != 1 {
		t.Fatalf("toasts = %d, want 1 after removing local toast", len(s.Toasts()))
	}
	s.ClearAll()
	if len(s.Toasts()) != 0 {
		t.Fatal("clear all must empty the projection")
	}
	if len(s.History()) != 1 {
		t.Fatal("history must survive projection clears")
	}
	if s.Unread() != 1 {
		t.Fatal("read state must survive projection clears")
	}
}

func TestSendFallsBackToLocalToast(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{connected: false}
	s := NewStore(api, sess)

	if err := s.SendUserNotification(context.Background(), "u2", "deploy done", "", SeveritySuccess, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := len(s.Toasts()); got != 1 {
		t.Fatalf("toasts = %d, want exactly 1 local fallback entry", got)
	}
	if len(api.created) != 1 {
		t.Fatalf("fallback should persist over REST, created = %d", len(api.created))
	}
}

func TestSendOverLiveTransportShowsNoLocalToast(t *testing.T) {
	api := &fakeAPI{}
	sess := &fakeSession{connected: true}
	s := NewStore(api, sess)

	if err := s.SendUserNotification(context.Background(), "u2", "hello", "", SeverityInfo, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("transport sends = %d, want 1", len(sess.sent))
	}
	if len(s.Toasts()) != 0 {
		t.Fatal("successful transport delivery must not also toast locally")
	}
}

func TestBroadcastOmitsUserID(t *testing.T) {
	sess := &fakeSession{connected: true}
	s := NewStore(&fakeAPI{}, sess)

	if err := s.Broadcast(context.Background(), "maintenance window", "tonight", SeverityWarning, 10*time.Second); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(sess.sent) != 1 || sess.sent[0].UserID != "" {
		t.Fatalf("broadcast request = %+v, want empty user_id", sess.sent)
	}
}

func TestUnreadHintSeedsBadge(t *testing.T) {
	s := NewStore(nil, nil)
	s.SetUnreadHint(7)
	if s.Unread() != 7 {
		t.Fatalf("unread = %d, want 7", s.Unread())
	}
	s.SetUnreadHint(-1)
	if s.Unread() != 7 {
		t.Fatal("negative hints must be ignored")
	}
}
