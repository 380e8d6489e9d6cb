package client

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatwire/client/conn"
	"chatwire/client/store"
	"chatwire/model"
)

const (
	defaultMaxFileSize = 10 << 20

	notifyQueueSize = 256
)

var ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

type Config struct {
	Logger       *zerolog.Logger
	ServerURL    string
	Identity     model.UserJoin
	MaxAttempts  int
	BaseInterval time.Duration
	MaxFileSize  int64
	Dialer       conn.Dialer
}

// Client ties the connection manager and the message store together behind
// the API the presentation layer consumes.
type Client struct {
	logger zerolog.Logger

	mgr      *conn.Manager
	store    *store.Store
	nickname string

	maxFileSize int64
	typingLim   *rate.Limiter

	notify chan model.Outbound
}

func New(cfg Config) *Client {
	nickname := cfg.Identity.Nickname
	if nickname == "" {
		nickname = cfg.Identity.Name
	}
	c := &Client{
		logger: cfg.Logger.With().Str("component", "client").Logger(),
		mgr: conn.NewManager(conn.Config{
			Logger:       cfg.Logger,
			URL:          cfg.ServerURL,
			Identity:     cfg.Identity,
			MaxAttempts:  cfg.MaxAttempts,
			BaseInterval: cfg.BaseInterval,
			Dialer:       cfg.Dialer,
		}),
		store:       store.NewStore(cfg.Logger),
		nickname:    nickname,
		maxFileSize: cfg.MaxFileSize,
		typingLim:   rate.NewLimiter(rate.Every(time.Second), 1),
		notify:      make(chan model.Outbound, notifyQueueSize),
	}
	if c.maxFileSize == 0 {
		c.maxFileSize = defaultMaxFileSize
	}
	return c
}

// Run pumps server events into the store until ctx is canceled. Must be
// running for the local view to track the server.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.mgr.Events():
			c.store.Apply(ev)
			select {
			case c.notify <- ev:
			default:
			}
		}
	}
}

// Notifications exposes applied server events for rendering. Best-effort.
func (c *Client) Notifications() <-chan model.Outbound { return c.notify }

func (c *Client) Connect(ctx context.Context) { c.mgr.Connect(ctx) }

func (c *Client) Reset(ctx context.Context) { c.mgr.Reset(ctx) }

// Logout tears down the transport and clears all local state so nothing
// survives into the next session.
func (c *Client) Logout() {
	c.mgr.Logout()
	c.store.Clear()
}

func (c *Client) State() conn.State { return c.mgr.State() }

func (c *Client) States() <-chan conn.State { return c.mgr.States() }

func (c *Client) Messages() []model.Message { return c.store.Messages() }

func (c *Client) Users() []model.User { return c.store.Users() }

func (c *Client) TypingUsers() []string { return c.store.Typing() }

// SendText applies the message optimistically and fires it at the server.
// The optimistic entry is reconciled when the server echo arrives.
func (c *Client) SendText(text string) error {
	c.store.AppendLocal(text, c.nickname)
	return c.mgr.Send(model.EventSendMessage, model.SendMessage{
		Text:      text,
		Sender:    c.nickname,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendFile rejects payloads above the configured limit before sending.
// The server performs no size validation of its own.
func (c *Client) SendFile(name, mimeType string, data []byte) error {
	if int64(len(data)) > c.maxFileSize {
		return ErrFileTooLarge
	}
	f := model.SendFile{
		FileData:  base64.StdEncoding.EncodeToString(data),
		FileName:  name,
		FileSize:  int64(len(data)),
		FileType:  mimeType,
		Sender:    c.nickname,
		Timestamp: time.Now().UnixMilli(),
	}
	c.store.AppendLocalFile(f, c.nickname)
	return c.mgr.Send(model.EventSendFile, f)
}

// Edit requests a text replacement. The local entry is not touched here; it
// changes when the room-wide message_edited event comes back.
func (c *Client) Edit(messageID, newText string) error {
	return c.mgr.Send(model.EventEditMessage, model.EditMessage{
		MessageID: messageID,
		NewText:   newText,
		Sender:    c.nickname,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Client) Delete(messageID string) error {
	return c.mgr.Send(model.EventDeleteMessage, model.DeleteMessage{
		MessageID: messageID,
		Sender:    c.nickname,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Typing relays a typing notification. Start notifications are throttled so
// keystroke bursts do not flood the wire; stop notifications always pass.
func (c *Client) Typing(isTyping bool) error {
	if isTyping && !c.typingLim.Allow() {
		return nil
	}
	return c.mgr.Send(model.EventTyping, model.Typing{IsTyping: isTyping})
}
