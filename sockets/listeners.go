package sockets

import (
	"sync"

	"github.com/everyst-io/everyst-client-go/wire"
)

// listenerSet is the typed publish/subscribe registry for session
// observers. Removing a handler cancels only that registration; it never
// touches the underlying session.
type listenerSet struct {
	mu           sync.Mutex
	nextID       int
	onConnect    map[int]func()
	onDisconnect map[int]func(error)
	onNotify     map[int]func(wire.Notification)
	onMetrics    map[int]func(wire.MetricsUpdate)
}

func (l *listenerSet) add(register func(id int)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	register(id)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.onConnect, id)
		delete(l.onDisconnect, id)
		delete(l.onNotify, id)
		delete(l.onMetrics, id)
		l.mu.Unlock()
	}
}

// OnConnect registers fn to run after every successful handshake. The
// returned func removes the registration.
func (m *Manager) OnConnect(fn func()) func() {
	return m.listeners.add(func(id int) {
		if m.listeners.onConnect == nil {
			m.listeners.onConnect = map[int]func(){}
		}
		m.listeners.onConnect[id] = fn
	})
}

// OnDisconnect registers fn to run when the session ends. err is nil for
// an explicit Disconnect and non-nil for transport failures.
func (m *Manager) OnDisconnect(fn func(err error)) func() {
	return m.listeners.add(func(id int) {
		if m.listeners.onDisconnect == nil {
			m.listeners.onDisconnect = map[int]func(error){}
		}
		m.listeners.onDisconnect[id] = fn
	})
}

// OnNotification registers fn for server-pushed notifications.
func (m *Manager) OnNotification(fn func(wire.Notification)) func() {
	return m.listeners.add(func(id int) {
		if m.listeners.onNotify == nil {
			m.listeners.onNotify = map[int]func(wire.Notification){}
		}
		m.listeners.onNotify[id] = fn
	})
}

// OnMetrics registers fn for server-pushed metrics snapshots.
func (m *Manager) OnMetrics(fn func(wire.MetricsUpdate)) func() {
	return m.listeners.add(func(id int) {
		if m.listeners.onMetrics == nil {
			m.listeners.onMetrics = map[int]func(wire.MetricsUpdate){}
		}
		m.listeners.onMetrics[id] = fn
	})
}

func (l *listenerSet) fireConnect() {
	for _, fn := range l.snapshotConnect() {
		fn()
	}
}

func (l *listenerSet) fireDisconnect(err error) {
	l.mu.Lock()
	fns := make([]func(error), 0, len(l.onDisconnect))
	for _, fn := range l.onDisconnect {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *listenerSet) fireNotification(n wire.Notification) {
	l.mu.Lock()
	fns := make([]func(wire.Notification), 0, len(l.onNotify))
	for _, fn := range l.onNotify {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (l *listenerSet) fireMetrics(m wire.MetricsUpdate) {
	l.mu.Lock()
	fns := make([]func(wire.MetricsUpdate), 0, len(l.onMetrics))
	for _, fn := range l.onMetrics {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (l *listenerSet) snapshotConnect() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]func(), 0, len(l.onConnect))
	for _, fn := range l.onConnect {
		fns = append(fns, fn)
	}
	return fns
}
