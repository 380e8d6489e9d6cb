package memory

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatwire/model"
)

const (
	defaultUserName    = "Anonymous"
	defaultRoomTitle   = "General Chat"
	snapshotMessageMax = 50
)

var (
	ErrRoomNotFound      = errors.New("room is not found")
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrMessageNotFound   = errors.New("message is not found")
	ErrNotSender         = errors.New("requester is not the message sender")
)

type room struct {
	id       string
	name     string
	users    map[string]struct{}
	messages []model.Message
}

// Store is the authoritative in-memory registry of rooms, users and message
// history. All mutation goes through the service loop; methods are still
// mutex-guarded so the read-only query surface can take snapshots directly.
type Store struct {
	mx          *sync.Mutex
	defaultRoom string
	rooms       map[string]*room
	users       map[string]model.User
}

func NewStore(defaultRoomID string) *Store {
	s := &Store{
		mx:          &sync.Mutex{},
		defaultRoom: defaultRoomID,
		rooms:       make(map[string]*room),
		users:       make(map[string]model.User),
	}
	s.rooms[defaultRoomID] = &room{
		id:    defaultRoomID,
		name:  defaultRoomTitle,
		users: make(map[string]struct{}),
	}
	return s
}

// Join registers a connection, filling in identity defaults, creates the room
// if it was never seen, and returns the stored user together with a snapshot
// of the room (other members plus recent history).
func (s *Store) Join(connID string, req model.UserJoin) (model.User, model.RoomSnapshot) {
	s.mx.Lock()
	defer s.mx.Unlock()

	name := req.Name
	if name == "" {
		name = defaultUserName
	}
	nickname := req.Nickname
	if nickname == "" {
		nickname = name
	}
	avatar := req.Avatar
	if avatar == "" {
		r, _ := utf8.DecodeRuneInString(name)
		avatar = strings.ToUpper(string(r))
	}
	roomID := req.Room
	if roomID == "" {
		roomID = s.defaultRoom
	}

	user := model.User{
		ID:       connID,
		Name:     name,
		Nickname: nickname,
		Avatar:   avatar,
		Room:     roomID,
		Status:   model.StatusOnline,
		JoinedAt: nowMillis(),
	}
	s.users[connID] = user

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			id:    roomID,
			name:  roomID,
			users: make(map[string]struct{}),
		}
		s.rooms[roomID] = r
	}
	r.users[connID] = struct{}{}

	return user, model.RoomSnapshot{
		Room:     roomID,
		UserID:   connID,
		Users:    s.roomUsersLocked(r, connID),
		Messages: lastMessages(r.messages, snapshotMessageMax),
	}
}

// Leave drops the connection from its room and the user registry.
// Unknown connections are a no-op so the disconnect path never fails.
func (s *Store) Leave(connID string) (model.User, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	user, ok := s.users[connID]
	if !ok {
		return model.User{}, false
	}
	if r, ok := s.rooms[user.Room]; ok {
		delete(r.users, connID)
	}
	delete(s.users, connID)
	return user, true
}

// AppendText stores a text message in the sender's room and returns it with
// its server-assigned id and receipt timestamp.
func (s *Store) AppendText(connID, text string) (model.Message, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	user, ok := s.users[connID]
	if !ok {
		return model.Message{}, ErrUnknownConnection
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    user.Nickname,
		SenderID:  user.ID,
		Timestamp: nowMillis(),
		Room:      user.Room,
	}
	s.rooms[user.Room].messages = append(s.rooms[user.Room].messages, msg)
	return msg, nil
}

// AppendFile stores a file message. The payload is taken as-is; size
// validation happens client-side only.
func (s *Store) AppendFile(connID string, f model.SendFile) (model.Message, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	user, ok := s.users[connID]
	if !ok {
		return model.Message{}, ErrUnknownConnection
	}
	msg := model.Message{
		ID:        uuid.NewString(),
		Type:      model.MessageTypeFile,
		FileName:  f.FileName,
		FileData:  f.FileData,
		FileSize:  f.FileSize,
		FileType:  f.FileType,
		Sender:    user.Nickname,
		SenderID:  user.ID,
		Timestamp: nowMillis(),
		Room:      user.Room,
	}
	s.rooms[user.Room].messages = append(s.rooms[user.Room].messages, msg)
	return msg, nil
}

// Edit replaces a message's text in place. Only the original sender's
// connection may edit; everyone else gets ErrNotSender and the message is
// left untouched.
func (s *Store) Edit(connID, messageID, newText string) (model.Message, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	user, ok := s.users[connID]
	if !ok {
		return model.Message{}, ErrUnknownConnection
	}
	r := s.rooms[user.Room]
	for i := range r.messages {
		if r.messages[i].ID != messageID {
			continue
		}
		if r.messages[i].SenderID != connID {
			return model.Message{}, ErrNotSender
		}
		r.messages[i].Text = newText
		r.messages[i].Edited = true
		r.messages[i].EditedAt = nowMillis()
		return r.messages[i], nil
	}
	return model.Message{}, ErrMessageNotFound
}

// Delete removes a message from the room's sequence, sender-only.
func (s *Store) Delete(connID, messageID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	user, ok := s.users[connID]
	if !ok {
		return ErrUnknownConnection
	}
	r := s.rooms[user.Room]
	for i := range r.messages {
		if r.messages[i].ID != messageID {
			continue
		}
		if r.messages[i].SenderID != connID {
			return ErrNotSender
		}
		r.messages = append(r.messages[:i], r.messages[i+1:]...)
		return nil
	}
	return ErrMessageNotFound
}

// User returns the registered user for a connection, if any.
func (s *Store) User(connID string) (model.User, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	u, ok := s.users[connID]
	return u, ok
}

// MemberIDs lists the connection ids currently in a room.
func (s *Store) MemberIDs(roomID string) ([]string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids, nil
}

// Rooms lists all rooms with their live member counts.
func (s *Store) Rooms() []model.RoomSummary {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]model.RoomSummary, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, model.RoomSummary{
			ID:        r.id,
			Name:      r.name,
			UserCount: len(r.users),
		})
	}
	return out
}

// RoomUsers returns the users currently in a room.
func (s *Store) RoomUsers(roomID string) ([]model.User, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return s.roomUsersLocked(r, ""), nil
}

// RoomMessages returns the last limit messages in append order.
func (s *Store) RoomMessages(roomID string, limit int) ([]model.Message, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return lastMessages(r.messages, limit), nil
}

// Counts reports live user and room totals for the health endpoint.
func (s *Store) Counts() (users int, rooms int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.users), len(s.rooms)
}

// AllUsers dumps every registered user, diagnostic surface only.
func (s *Store) AllUsers() []model.User {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// DefaultRoom returns the room id used when a join names none.
func (s *Store) DefaultRoom() string {
	return s.defaultRoom
}

func (s *Store) roomUsersLocked(r *room, exclude string) []model.User {
	out := make([]model.User, 0, len(r.users))
	for id := range r.users {
		if id == exclude {
			continue
		}
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

func lastMessages(msgs []model.Message, limit int) []model.Message {
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]model.Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
