package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chatwire/model"
)

const defaultInboundQueue = 256

var ErrUnregistered = errors.New("connection is not registered")

type (
	// Store is the authoritative room/user/message registry. Mutating methods
	// are called only from the service loop goroutine.
	Store interface {
		Join(connID string, req model.UserJoin) (model.User, model.RoomSnapshot)
		Leave(connID string) (model.User, bool)
		AppendText(connID, text string) (model.Message, error)
		AppendFile(connID string, f model.SendFile) (model.Message, error)
		Edit(connID, messageID, newText string) (model.Message, error)
		Delete(connID, messageID string) error
		User(connID string) (model.User, bool)
		MemberIDs(roomID string) ([]string, error)

		Rooms() []model.RoomSummary
		RoomUsers(roomID string) ([]model.User, error)
		RoomMessages(roomID string, limit int) ([]model.Message, error)
		Counts() (users int, rooms int)
		AllUsers() []model.User
	}

	Broadcaster interface {
		Attach(connID string, tx chan<- []byte)
		Detach(connID string)
		Unicast(ctx context.Context, connID string, payload []byte) bool
		Fanout(ctx context.Context, connIDs []string, exclude string, payload []byte) int
	}

	Config struct {
		Store       Store
		Broadcaster Broadcaster
		Logger      *zerolog.Logger
	}

	// Service funnels every state mutation through a single goroutine so that
	// join/leave/append/edit/delete are totally ordered per room and fan-out
	// order equals mutation order.
	Service struct {
		logger  zerolog.Logger
		store   Store
		bcast   Broadcaster
		inbound chan command
	}

	command struct {
		connID string
		event  model.Inbound
		leave  bool
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		logger:  cfg.Logger.With().Str("component", "service").Logger(),
		store:   cfg.Store,
		bcast:   cfg.Broadcaster,
		inbound: make(chan command, defaultInboundQueue),
	}
}

// Run drains the inbound queue until ctx is canceled. It is the single owner
// of all registry mutation.
func (svc *Service) Run(ctx context.Context) {
	svc.logger.Info().Msg("service loop started")
	for {
		select {
		case <-ctx.Done():
			svc.logger.Debug().Msg("service loop stopped")
			return
		case cmd := <-svc.inbound:
			svc.handle(ctx, cmd)
		}
	}
}

// CreateSession attaches a connection's outbound wire. The connection is not
// a room member until its user_join event is processed.
func (svc *Service) CreateSession(connID string, tx chan<- []byte) {
	svc.bcast.Attach(connID, tx)
	svc.logger.Debug().Str("connID", connID).Msg("session created")
}

// CloseSession detaches the wire and queues the leave so departure ordering
// still goes through the service loop. Safe to call for connections that
// never joined.
func (svc *Service) CloseSession(ctx context.Context, connID string) {
	svc.bcast.Detach(connID)
	svc.submit(ctx, command{connID: connID, leave: true})
	svc.logger.Debug().Str("connID", connID).Msg("session closed")
}

// Submit queues one decoded inbound event for the service loop.
func (svc *Service) Submit(ctx context.Context, connID string, ev model.Inbound) {
	svc.submit(ctx, command{connID: connID, event: ev})
}

func (svc *Service) submit(ctx context.Context, cmd command) {
	select {
	case svc.inbound <- cmd:
	case <-ctx.Done():
	}
}

func (svc *Service) handle(ctx context.Context, cmd command) {
	if cmd.leave {
		svc.handleLeave(ctx, cmd.connID)
		return
	}

	switch ev := cmd.event.(type) {
	case model.UserJoin:
		svc.handleJoin(ctx, cmd.connID, ev)
	case model.SendMessage:
		msg, err := svc.store.AppendText(cmd.connID, ev.Text)
		if err != nil {
			svc.logDropped(cmd.connID, model.EventSendMessage, err)
			return
		}
		svc.toRoom(ctx, msg.Room, "", model.EventNewMessage, msg)
	case model.SendFile:
		msg, err := svc.store.AppendFile(cmd.connID, ev)
		if err != nil {
			svc.logDropped(cmd.connID, model.EventSendFile, err)
			return
		}
		svc.toRoom(ctx, msg.Room, "", model.EventNewMessage, msg)
	case model.EditMessage:
		msg, err := svc.store.Edit(cmd.connID, ev.MessageID, ev.NewText)
		if err != nil {
			// Not applied; the wire contract carries no rejection frame.
			svc.logDropped(cmd.connID, model.EventEditMessage, err)
			return
		}
		svc.toRoom(ctx, msg.Room, "", model.EventMessageEdited, model.MessageEdited{
			MessageID: msg.ID,
			NewText:   msg.Text,
			EditedAt:  msg.EditedAt,
		})
	case model.DeleteMessage:
		user, ok := svc.store.User(cmd.connID)
		if !ok {
			svc.logDropped(cmd.connID, model.EventDeleteMessage, ErrUnregistered)
			return
		}
		if err := svc.store.Delete(cmd.connID, ev.MessageID); err != nil {
			svc.logDropped(cmd.connID, model.EventDeleteMessage, err)
			return
		}
		svc.toRoom(ctx, user.Room, "", model.EventMessageDeleted, model.MessageDeleted{
			MessageID: ev.MessageID,
		})
	case model.Typing:
		user, ok := svc.store.User(cmd.connID)
		if !ok {
			return
		}
		svc.toRoom(ctx, user.Room, cmd.connID, model.EventUserTyping, model.UserTyping{
			User:     user.Nickname,
			IsTyping: ev.IsTyping,
		})
	default:
		svc.logger.Warn().Str("connID", cmd.connID).
			Type("event", cmd.event).Msg("unhandled inbound event")
	}
}

func (svc *Service) handleJoin(ctx context.Context, connID string, ev model.UserJoin) {
	user, snap := svc.store.Join(connID, ev)

	svc.toRoom(ctx, user.Room, connID, model.EventUserJoined, model.UserJoined{
		User:    user.Ref(),
		Message: fmt.Sprintf("%s joined the chat", user.Name),
	})
	svc.unicast(ctx, connID, model.EventRoomInfo, snap)

	svc.logger.Info().
		Str("connID", connID).
		Str("name", user.Name).
		Str("room", user.Room).
		Msg("user joined room")
}

func (svc *Service) handleLeave(ctx context.Context, connID string) {
	user, ok := svc.store.Leave(connID)
	if !ok {
		svc.logger.Debug().Str("connID", connID).Msg("unknown connection disconnected")
		return
	}
	svc.toRoom(ctx, user.Room, connID, model.EventUserLeft, model.UserLeft{
		User:    user.Ref(),
		Message: fmt.Sprintf("%s left the chat", user.Name),
	})
	svc.logger.Info().
		Str("connID", connID).
		Str("name", user.Name).
		Str("room", user.Room).
		Msg("user left room")
}

func (svc *Service) toRoom(ctx context.Context, roomID, exclude, event string, data any) {
	payload, err := model.Encode(event, data)
	if err != nil {
		svc.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	members, err := svc.store.MemberIDs(roomID)
	if err != nil {
		svc.logger.Error().Err(err).Str("roomID", roomID).Msg("fanout room lookup failed")
		return
	}
	svc.bcast.Fanout(ctx, members, exclude, payload)
}

func (svc *Service) unicast(ctx context.Context, connID, event string, data any) {
	payload, err := model.Encode(event, data)
	if err != nil {
		svc.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	svc.bcast.Unicast(ctx, connID, payload)
}

func (svc *Service) logDropped(connID, event string, err error) {
	svc.logger.Debug().Err(err).
		Str("connID", connID).
		Str("event", event).
		Msg("event not applied")
}

// Read-only query surface, delegated to the store.

func (svc *Service) Rooms() []model.RoomSummary { return svc.store.Rooms() }

func (svc *Service) RoomUsers(roomID string) ([]model.User, error) {
	return svc.store.RoomUsers(roomID)
}

func (svc *Service) RoomMessages(roomID string, limit int) ([]model.Message, error) {
	return svc.store.RoomMessages(roomID, limit)
}

func (svc *Service) Counts() (int, int) { return svc.store.Counts() }

func (svc *Service) AllUsers() []model.User { return svc.store.AllUsers() }
