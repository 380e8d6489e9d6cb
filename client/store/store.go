package store

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatwire/model"
)

const localIDPrefix = "local-"

// Store merges locally optimistic sends with server-confirmed events into the
// message list the rest of the client observes.
//
// Optimistic entries carry a provisional local id. The server echo is matched
// on senderId equal to this connection's server-issued id; because per-room
// delivery is FIFO, echoes confirm pending entries oldest-first, and the
// provisional entry is rewritten in place with the confirmed message.
type Store struct {
	mx     sync.Mutex
	logger zerolog.Logger

	selfID   string
	room     string
	users    []model.User
	messages []model.Message
	pending  []string
	typing   map[string]bool
}

func NewStore(logger *zerolog.Logger) *Store {
	return &Store{
		logger: logger.With().Str("component", "message-store").Logger(),
		typing: make(map[string]bool),
	}
}

// AppendLocal adds an optimistic text message before server confirmation.
func (s *Store) AppendLocal(text, nickname string) model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	msg := model.Message{
		ID:     localIDPrefix + uuid.NewString(),
		Text:   text,
		Sender: nickname,
		Room:   s.room,
	}
	s.messages = append(s.messages, msg)
	s.pending = append(s.pending, msg.ID)
	return msg
}

// AppendLocalFile adds an optimistic file message.
func (s *Store) AppendLocalFile(f model.SendFile, nickname string) model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	msg := model.Message{
		ID:       localIDPrefix + uuid.NewString(),
		Type:     model.MessageTypeFile,
		FileName: f.FileName,
		FileData: f.FileData,
		FileSize: f.FileSize,
		FileType: f.FileType,
		Sender:   nickname,
		Room:     s.room,
	}
	s.messages = append(s.messages, msg)
	s.pending = append(s.pending, msg.ID)
	return msg
}

// Apply folds one server event into the local view.
func (s *Store) Apply(ev model.Outbound) {
	s.mx.Lock()
	defer s.mx.Unlock()

	switch v := ev.(type) {
	case model.RoomSnapshot:
		s.applySnapshot(v)
	case model.UserJoined:
		s.users = append(s.users, model.User{
			ID:       v.User.ID,
			Name:     v.User.Name,
			Nickname: v.User.Nickname,
			Avatar:   v.User.Avatar,
			Room:     s.room,
			Status:   model.StatusOnline,
		})
	case model.UserLeft:
		for i := range s.users {
			if s.users[i].ID == v.User.ID {
				s.users = append(s.users[:i], s.users[i+1:]...)
				break
			}
		}
		delete(s.typing, v.User.Nickname)
	case model.Message:
		s.applyNewMessage(v)
	case model.MessageEdited:
		for i := range s.messages {
			if s.messages[i].ID == v.MessageID {
				s.messages[i].Text = v.NewText
				s.messages[i].Edited = true
				s.messages[i].EditedAt = v.EditedAt
				break
			}
		}
	case model.MessageDeleted:
		for i := range s.messages {
			if s.messages[i].ID == v.MessageID {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				break
			}
		}
	case model.UserTyping:
		if v.IsTyping {
			s.typing[v.User] = true
		} else {
			delete(s.typing, v.User)
		}
	}
}

func (s *Store) applySnapshot(snap model.RoomSnapshot) {
	s.selfID = snap.UserID
	s.room = snap.Room
	s.users = append([]model.User(nil), snap.Users...)

	// History replaces everything confirmed; optimistic entries sent before
	// the snapshot arrived stay queued behind it and reconcile on echo.
	var retained []model.Message
	for _, m := range s.messages {
		if isLocalID(m.ID) {
			retained = append(retained, m)
		}
	}
	s.messages = append(append([]model.Message(nil), snap.Messages...), retained...)
	s.logger.Debug().
		Str("room", snap.Room).
		Int("users", len(snap.Users)).
		Int("messages", len(snap.Messages)).
		Int("retained", len(retained)).
		Msg("room snapshot applied")
}

func (s *Store) applyNewMessage(msg model.Message) {
	if msg.SenderID == s.selfID && len(s.pending) > 0 {
		// Server echo of our oldest unconfirmed optimistic entry.
		id := s.pending[0]
		s.pending = s.pending[1:]
		for i := range s.messages {
			if s.messages[i].ID == id {
				s.messages[i] = msg
				return
			}
		}
		// Provisional entry vanished (cleared mid-flight); fall through.
	}
	s.messages = append(s.messages, msg)
}

// Messages returns a copy of the observed list in order.
func (s *Store) Messages() []model.Message {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// Users returns a copy of the known room members, excluding self.
func (s *Store) Users() []model.User {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.User(nil), s.users...)
}

// Typing lists nicknames currently typing.
func (s *Store) Typing() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]string, 0, len(s.typing))
	for name := range s.typing {
		out = append(out, name)
	}
	return out
}

func (s *Store) SelfID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.selfID
}

func (s *Store) Room() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.room
}

// Clear wipes all local state. Called on logout so nothing survives into the
// next session.
func (s *Store) Clear() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.selfID = ""
	s.room = ""
	s.users = nil
	s.messages = nil
	s.pending = nil
	s.typing = make(map[string]bool)
}

func isLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}
