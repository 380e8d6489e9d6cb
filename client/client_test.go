package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/client/conn"
	"chatwire/model"
)

type pipeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (t *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-t.done:
		return nil, errors.New("closed")
	}
}

func (t *pipeTransport) WriteMessage(p []byte) error {
	t.mu.Lock()
	t.writes = append(t.writes, p)
	t.mu.Unlock()
	return nil
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *pipeTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

type pipeDialer struct {
	tr *pipeTransport
}

func (d *pipeDialer) Dial(context.Context, string) (conn.Transport, error) {
	return d.tr, nil
}

func newTestClient(t *testing.T) (*Client, *pipeTransport) {
	t.Helper()
	logger := zerolog.Nop()
	tr := newPipeTransport()
	c := New(Config{
		Logger:    &logger,
		ServerURL: "ws://test/ws",
		Identity:  model.UserJoin{Name: "A", Nickname: "ace"},
		Dialer:    &pipeDialer{tr: tr},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	c.Connect(ctx)
	require.Eventually(t, func() bool {
		return c.State() == conn.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	return c, tr
}

func TestSendTextIsOptimistic(t *testing.T) {
	c, tr := newTestClient(t)

	require.NoError(t, c.SendText("hello"))

	msgs := c.Messages()
	require.Len(t, msgs, 1, "message must appear before server confirmation")
	assert.Equal(t, "hello", msgs[0].Text)

	require.Eventually(t, func() bool {
		for _, w := range tr.written() {
			if bytes.Contains(w, []byte(model.EventSendMessage)) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendFileSizeLimit(t *testing.T) {
	c, _ := newTestClient(t)

	big := make([]byte, defaultMaxFileSize+1)
	err := c.SendFile("huge.bin", "application/octet-stream", big)
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, c.Messages(), "rejected file must not be applied locally")

	require.NoError(t, c.SendFile("ok.bin", "application/octet-stream", []byte("data")))
	require.Len(t, c.Messages(), 1)
	assert.Equal(t, model.MessageTypeFile, c.Messages()[0].Type)
}

func TestEchoReconciliation(t *testing.T) {
	c, tr := newTestClient(t)

	// room_info tells the client its own connection id.
	seed, err := model.Encode(model.EventRoomInfo, model.RoomSnapshot{
		Room:   "general",
		UserID: "conn-self",
	})
	require.NoError(t, err)
	tr.in <- seed
	select {
	case ev := <-c.Notifications():
		_, ok := ev.(model.RoomSnapshot)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room snapshot")
	}

	require.NoError(t, c.SendText("hello"))

	echo, err := model.Encode(model.EventNewMessage, model.Message{
		ID:       "srv-1",
		Text:     "hello",
		Sender:   "ace",
		SenderID: "conn-self",
		Room:     "general",
	})
	require.NoError(t, err)
	tr.in <- echo

	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == "srv-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingThrottle(t *testing.T) {
	c, tr := newTestClient(t)

	require.NoError(t, c.Typing(true))
	require.NoError(t, c.Typing(true)) // throttled, silently dropped
	require.NoError(t, c.Typing(false))

	require.Eventually(t, func() bool {
		var typingFrames int
		for _, w := range tr.written() {
			if bytes.Contains(w, []byte(`"typing"`)) {
				typingFrames++
			}
		}
		return typingFrames == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLogoutClearsLocalState(t *testing.T) {
	c, _ := newTestClient(t)

	require.NoError(t, c.SendText("hello"))
	require.Len(t, c.Messages(), 1)

	c.Logout()

	assert.Equal(t, conn.StateDisconnected, c.State())
	assert.Empty(t, c.Messages(), "no stale data may survive logout")
	assert.Empty(t, c.Users())
}
