package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	MessageTypeText = ""
	MessageTypeFile = "file"

	StatusOnline = "online"
)

var ErrUnknownEvent = errors.New("unknown event")

// User is one live connection's identity inside a room.
// ID is the server-assigned connection id and is not stable across sessions.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Room     string `json:"room"`
	Status   string `json:"status"`
	JoinedAt int64  `json:"joinedAt"`
}

// Ref returns the subset of identity fields carried by join/leave notices.
func (u User) Ref() UserRef {
	return UserRef{
		ID:       u.ID,
		Name:     u.Name,
		Nickname: u.Nickname,
		Avatar:   u.Avatar,
	}
}

type UserRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// Message is one entry in a room's ordered history. Timestamps are
// milliseconds since epoch, assigned at server receipt.
type Message struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileData  string `json:"fileData,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	Sender    string `json:"sender"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
	Room      string `json:"room"`
	Edited    bool   `json:"edited,omitempty"`
	EditedAt  int64  `json:"editedAt,omitempty"`
}

// RoomSummary is the REST listing shape.
type RoomSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserCount int    `json:"userCount"`
}

// RoomSnapshot is delivered once to a joining connection. Users excludes the
// joiner; UserID tells the joiner its own server-assigned connection id.
type RoomSnapshot struct {
	Room     string    `json:"room"`
	UserID   string    `json:"userId"`
	Users    []User    `json:"users"`
	Messages []Message `json:"messages"`
}

// Envelope frames every websocket payload in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound event names.
const (
	EventRoomInfo       = "room_info"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventNewMessage     = "new_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventUserTyping     = "user_typing"
)

// Inbound event names.
const (
	EventUserJoin      = "user_join"
	EventSendMessage   = "send_message"
	EventSendFile      = "send_file"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventTyping        = "typing"
)

type UserJoined struct {
	User    UserRef `json:"user"`
	Message string  `json:"message"`
}

type UserLeft struct {
	User    UserRef `json:"user"`
	Message string  `json:"message"`
}

type MessageEdited struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
	EditedAt  int64  `json:"editedAt"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

type UserTyping struct {
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// Inbound is the closed set of client-to-server events. Decoding produces
// exactly one of the variants below; the service loop switches over all of
// them exhaustively.
type Inbound interface {
	isInbound()
}

type UserJoin struct {
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	Room     string `json:"room"`
}

type SendMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type SendFile struct {
	FileData  string `json:"fileData"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	FileType  string `json:"fileType"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type EditMessage struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Typing struct {
	IsTyping bool `json:"isTyping"`
}

func (UserJoin) isInbound()      {}
func (SendMessage) isInbound()   {}
func (SendFile) isInbound()      {}
func (EditMessage) isInbound()   {}
func (DeleteMessage) isInbound() {}
func (Typing) isInbound()        {}

// DecodeInbound parses an envelope into its typed variant.
func DecodeInbound(b []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var (
		ev  Inbound
		err error
	)
	switch env.Event {
	case EventUserJoin:
		var v UserJoin
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventSendMessage:
		var v SendMessage
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventSendFile:
		var v SendFile
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventEditMessage:
		var v EditMessage
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventDeleteMessage:
		var v DeleteMessage
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventTyping:
		var v Typing
		err = json.Unmarshal(env.Data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

// Outbound is the closed set of server-to-client events, as seen by the
// client. new_message carries a Message directly.
type Outbound interface {
	isOutbound()
}

func (RoomSnapshot) isOutbound()   {}
func (UserJoined) isOutbound()     {}
func (UserLeft) isOutbound()       {}
func (Message) isOutbound()        {}
func (MessageEdited) isOutbound()  {}
func (MessageDeleted) isOutbound() {}
func (UserTyping) isOutbound()     {}

// DecodeOutbound parses a server frame into its typed variant.
func DecodeOutbound(b []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var (
		ev  Outbound
		err error
	)
	switch env.Event {
	case EventRoomInfo:
		var v RoomSnapshot
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventUserJoined:
		var v UserJoined
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventUserLeft:
		var v UserLeft
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventNewMessage:
		var v Message
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventMessageEdited:
		var v MessageEdited
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventMessageDeleted:
		var v MessageDeleted
		err = json.Unmarshal(env.Data, &v)
		ev = v
	case EventUserTyping:
		var v UserTyping
		err = json.Unmarshal(env.Data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

// Encode wraps a payload into the wire envelope.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
