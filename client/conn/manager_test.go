package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/model"
)

var errRefused = errors.New("connection refused")

type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case payload := <-t.in:
		return payload, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, payload)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

// fakeDialer fails the first failures dials, then hands out fake transports.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failures   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errRefused
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestManager(d Dialer) *Manager {
	logger := zerolog.Nop()
	return NewManager(Config{
		Logger:       &logger,
		URL:          "ws://test/ws",
		Identity:     model.UserJoin{Name: "A", Nickname: "ace", Room: "general"},
		MaxAttempts:  5,
		BaseInterval: time.Millisecond,
		Dialer:       d,
	})
}

func waitForState(t *testing.T, m *Manager, want State) []State {
	t.Helper()
	var seen []State
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-m.States():
			seen = append(seen, s)
			if s == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, saw %v", want, seen)
		}
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, expected := range want {
		assert.Equal(t, expected, backoffDelay(base, ceiling, attempt), "attempt %d", attempt)
	}
}

func TestConnectSendsJoinIdentity(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateConnected)

	require.Len(t, d.transports, 1)
	require.Eventually(t, func() bool {
		return len(d.transports[0].written()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	writes := d.transports[0].written()

	ev, err := model.DecodeInbound(writes[0])
	require.NoError(t, err)
	joinEv, ok := ev.(model.UserJoin)
	require.True(t, ok)
	assert.Equal(t, "ace", joinEv.Nickname)
	assert.Equal(t, "general", joinEv.Room)
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateConnected)
	m.Connect(context.Background())
	m.Connect(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failures: 1 << 30} // never succeeds
	m := newTestManager(d)

	m.Connect(context.Background())
	seen := waitForState(t, m, StateFailed)

	// Initial attempt plus maxAttempts retries, each surfacing an error
	// status before backing off.
	assert.Equal(t, 6, d.dialCount())
	assert.Contains(t, seen, StateError)
	assert.Contains(t, seen, StateReconnecting)

	// Terminal: nothing further is scheduled.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, StateFailed, m.State())
}

func TestResetRecoversFromFailed(t *testing.T) {
	d := &fakeDialer{failures: 6}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateFailed)

	m.Reset(context.Background())
	waitForState(t, m, StateConnected)
	assert.Equal(t, 7, d.dialCount())
}

func TestDropSchedulesReconnectAndResendsIdentity(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateConnected)

	// Clean drop.
	_ = d.transports[0].Close()
	seen := waitForState(t, m, StateConnected)
	assert.Contains(t, seen, StateDisconnected)
	assert.Contains(t, seen, StateReconnecting)

	require.Len(t, d.transports, 2)
	require.Eventually(t, func() bool {
		return len(d.transports[1].written()) == 1
	}, 2*time.Second, 5*time.Millisecond, "full join identity must be re-sent on reconnect")
	writes := d.transports[1].written()
	ev, err := model.DecodeInbound(writes[0])
	require.NoError(t, err)
	assert.IsType(t, model.UserJoin{}, ev)
}

func TestLogoutCancelsPendingReconnect(t *testing.T) {
	logger := zerolog.Nop()
	d := &fakeDialer{failures: 1}
	m := NewManager(Config{
		Logger:       &logger,
		URL:          "ws://test/ws",
		MaxAttempts:  5,
		BaseInterval: time.Hour, // never fires during the test
		Dialer:       d,
	})

	m.Connect(context.Background())
	waitForState(t, m, StateReconnecting)

	m.Logout()
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "no dial may happen after logout")
}

func TestLogoutClosesTransport(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateConnected)
	m.Logout()

	select {
	case <-d.transports[0].done:
	default:
		t.Fatal("transport was not closed on logout")
	}
	assert.Equal(t, StateDisconnected, m.State())

	// The dead read loop must not trigger a reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestEventsDelivered(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)

	m.Connect(context.Background())
	waitForState(t, m, StateConnected)

	payload, err := model.Encode(model.EventNewMessage, model.Message{ID: "m1", Text: "hi"})
	require.NoError(t, err)
	d.transports[0].in <- payload

	select {
	case ev := <-m.Events():
		msg, ok := ev.(model.Message)
		require.True(t, ok)
		assert.Equal(t, "m1", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d)
	err := m.Send(model.EventTyping, model.Typing{IsTyping: true})
	assert.ErrorIs(t, err, ErrNotConnected)
}
