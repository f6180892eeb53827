package sockets

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/everyst-io/everyst-client-go/creds"
	"github.com/everyst-io/everyst-client-go/transport/transporttest"
	"github.com/everyst-io/everyst-client-go/wire"
)

var validCred = creds.Credential{Access: "hdr.payload.sig"}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRejectsMalformedCredentialWithoutDialing(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d", "a..c"} {
		if m.Connect(context.Background(), creds.Credential{Access: tok}) {
			t.Errorf("Connect(%q) = true, want false", tok)
		}
	}
	if got := d.DialCount(); got != 0 {
		t.Fatalf("dial count = %d, want 0 (fail closed, no transport attempt)", got)
	}
}

func TestConnectIsAtomicWithAuthentication(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	if !m.Connected() || !m.Authenticated() {
		t.Fatal("connected session must be authenticated")
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}
}

func TestConnectAuthRejectionTearsDown(t *testing.T) {
	d := transporttest.NewDialer()
	d.Handle(wire.EventAuthenticate, func(token string, _ json.RawMessage) wire.Ack {
		return wire.Ack{Status: wire.StatusError, Message: "invalid token"}
	})
	m := NewManager(d)

	if m.Connect(context.Background(), validCred) {
		t.Fatal("connect should fail when the server rejects the credential")
	}
	if m.Connected() || m.Authenticated() {
		t.Fatal("no session may survive a rejected credential")
	}
	if c := d.LastConn(); c == nil || !c.Closed() {
		t.Fatal("underlying transport session must be released")
	}
}

func TestConnectIdempotentForUnchangedCredential(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("first connect failed")
	}
	if !m.Connect(context.Background(), validCred) {
		t.Fatal("second connect failed")
	}
	if got := d.DialCount(); got != 1 {
		t.Fatalf("dial count = %d, want exactly 1 for unchanged live credential", got)
	}
}

func TestConnectWithRotatedCredentialSupersedesSession(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("first connect failed")
	}
	first := d.LastConn()
	rotated := creds.Credential{Access: "hdr.rotated.sig"}
	if !m.Connect(context.Background(), rotated) {
		t.Fatal("rotated connect failed")
	}
	if got := d.DialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
	if !first.Closed() {
		t.Fatal("prior session must be torn down before the new one is used")
	}
	if tokens := d.Tokens(); tokens[1] != rotated.Access {
		t.Fatalf("second dial used token %q, want rotated", tokens[1])
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	m.Disconnect()
	m.Disconnect()
	if m.Connected() {
		t.Fatal("still connected after disconnect")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", m.State())
	}
}

func TestListenersObserveTransitions(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	var connects, disconnects atomic.Int32
	unsubConnect := m.OnConnect(func() { connects.Add(1) })
	m.OnDisconnect(func(err error) {
		if err == nil {
			disconnects.Add(1)
		}
	})

	m.Connect(context.Background(), validCred)
	m.Disconnect()
	if got := connects.Load(); got != 1 {
		t.Fatalf("connect listener fired %d times, want 1", got)
	}
	if got := disconnects.Load(); got != 1 {
		t.Fatalf("disconnect listener fired %d times, want 1", got)
	}

	// Removing the handler cancels only the registration.
	unsubConnect()
	m.Connect(context.Background(), validCred)
	if got := connects.Load(); got != 1 {
		t.Fatalf("removed listener still fired (count %d)", got)
	}
	if !m.Connected() {
		t.Fatal("session itself must be unaffected by listener removal")
	}
}

func TestNotificationPushReachesListeners(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	got := make(chan wire.Notification, 1)
	m.OnNotification(func(n wire.Notification) { got <- n })

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	d.LastConn().PushNotification(wire.Notification{ID: "n1", Title: "disk almost full", Type: "warning"})

	select {
	case n := <-got:
		if n.ID != "n1" {
			t.Fatalf("notification id = %q, want n1", n.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push never reached the listener")
	}
}

func TestMetricsPushReachesListeners(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	got := make(chan wire.MetricsUpdate, 1)
	m.OnMetrics(func(mu wire.MetricsUpdate) { got <- mu })

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	d.LastConn().Push(wire.PushEvent{
		Event:   wire.EventMetricsUpdate,
		Metrics: &wire.MetricsUpdate{CPUPercent: 93.5},
	})

	select {
	case mu := <-got:
		if mu.CPUPercent != 93.5 {
			t.Fatalf("cpu = %v, want 93.5", mu.CPUPercent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("metrics push never reached the listener")
	}
}

func TestManagerDegradesAfterAttemptBudget(t *testing.T) {
	d := transporttest.NewDialer()
	d.FailDials(100)
	m := NewManager(d)

	for i := 0; i < maxAttempts; i++ {
		if m.Connect(context.Background(), validCred) {
			t.Fatal("connect unexpectedly succeeded")
		}
	}
	if !m.Degraded() {
		t.Fatal("manager should report local-only mode after exhausting its budget")
	}

	// Exhaustion is reported, not fatal: a later explicit connect that
	// succeeds clears the degradation.
	d.FailDials(0)
	if !m.Connect(context.Background(), validCred) {
		t.Fatal("recovery connect failed")
	}
	if m.Degraded() {
		t.Fatal("successful connect must clear local-only mode")
	}
}

func TestUnexpectedDropTriggersReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	var dropped atomic.Int32
	m.OnDisconnect(func(err error) {
		if err != nil {
			dropped.Add(1)
		}
	})

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	d.LastConn().Fail(errors.New("network down"))

	waitFor(t, func() bool { return dropped.Load() >= 1 }, "disconnect listener never fired")
	waitFor(t, m.Connected, "manager never re-established the session")
	if got := d.DialCount(); got < 2 {
		t.Fatalf("dial count = %d, want at least 2 (reconnect)", got)
	}
}

func TestRegisterUserReannouncedAfterConnect(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	if err := m.RegisterUser(context.Background(), "legacy-7"); err != nil {
		t.Fatalf("register user: %v", err)
	}

	// Rotation tears down and rebuilds; the legacy id rides along.
	if !m.Connect(context.Background(), creds.Credential{Access: "hdr.rotated.sig"}) {
		t.Fatal("rotated connect failed")
	}
	c := d.LastConn()
	waitFor(t, func() bool { return c.EmitCount(wire.EventRegisterUser) == 1 },
		"legacy user id was not re-announced on the new session")
}

func TestAuthenticateFailSecure(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	if !m.Connect(context.Background(), validCred) {
		t.Fatal("connect failed")
	}
	d.Handle(wire.EventAuthenticate, func(string, json.RawMessage) wire.Ack {
		return wire.Ack{Status: wire.StatusError, Message: "expired"}
	})
	if _, err := m.Authenticate(context.Background(), validCred); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
	if m.Connected() {
		t.Fatal("session must not survive an explicit authentication rejection")
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	d := transporttest.NewDialer()
	m := NewManager(d)

	_, err := m.Send(context.Background(), wire.SendNotificationRequest{Title: "hi", Type: "info"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
