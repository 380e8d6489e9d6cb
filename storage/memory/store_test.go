package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/model"
)

func TestJoinDefaults(t *testing.T) {
	s := NewStore("general")

	user, snap := s.Join("conn-1", model.UserJoin{})

	assert.Equal(t, "conn-1", user.ID)
	assert.Equal(t, "Anonymous", user.Name)
	assert.Equal(t, "Anonymous", user.Nickname)
	assert.Equal(t, "A", user.Avatar)
	assert.Equal(t, "general", user.Room)
	assert.Equal(t, model.StatusOnline, user.Status)

	assert.Equal(t, "general", snap.Room)
	assert.Equal(t, "conn-1", snap.UserID)
	assert.Empty(t, snap.Users)
	assert.Empty(t, snap.Messages)
}

func TestJoinCreatesRoomLazily(t *testing.T) {
	s := NewStore("general")

	_, snap := s.Join("conn-1", model.UserJoin{Name: "alice", Room: "dev"})
	assert.Equal(t, "dev", snap.Room)

	rooms := s.Rooms()
	require.Len(t, rooms, 2)

	users, err := s.RoomUsers("dev")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Name)
}

func TestSnapshotExcludesJoiner(t *testing.T) {
	s := NewStore("general")

	s.Join("conn-a", model.UserJoin{Name: "A"})
	_, snap := s.Join("conn-b", model.UserJoin{Name: "B"})

	require.Len(t, snap.Users, 1)
	assert.Equal(t, "conn-a", snap.Users[0].ID)
}

func TestSnapshotMessageLimitAndOrder(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})

	for i := 0; i < 60; i++ {
		_, err := s.AppendText("conn-a", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	_, snap := s.Join("conn-b", model.UserJoin{Name: "B"})
	require.Len(t, snap.Messages, 50)
	assert.Equal(t, "msg 10", snap.Messages[0].Text)
	assert.Equal(t, "msg 59", snap.Messages[49].Text)

	for i := 1; i < len(snap.Messages); i++ {
		assert.GreaterOrEqual(t, snap.Messages[i].Timestamp, snap.Messages[i-1].Timestamp)
	}
}

func TestAppendAssignsUniqueIDs(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A", Nickname: "ace"})

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		msg, err := s.AppendText("conn-a", "hello")
		require.NoError(t, err)
		_, dup := seen[msg.ID]
		require.False(t, dup, "duplicate message id %s", msg.ID)
		seen[msg.ID] = struct{}{}
		assert.Equal(t, "ace", msg.Sender)
		assert.Equal(t, "conn-a", msg.SenderID)
	}

	msgs, err := s.RoomMessages("general", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 100)
}

func TestAppendFromUnregisteredConnection(t *testing.T) {
	s := NewStore("general")

	_, err := s.AppendText("ghost", "boo")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = s.AppendFile("ghost", model.SendFile{FileName: "x"})
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestAppendFile(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-b", model.UserJoin{Name: "B", Nickname: "bee"})

	msg, err := s.AppendFile("conn-b", model.SendFile{
		FileData: "aGVsbG8=",
		FileName: "photo.png",
		FileSize: 2000000,
		FileType: "image/png",
	})
	require.NoError(t, err)

	assert.Equal(t, model.MessageTypeFile, msg.Type)
	assert.Equal(t, "photo.png", msg.FileName)
	assert.EqualValues(t, 2000000, msg.FileSize)
	assert.Equal(t, "bee", msg.Sender)
	assert.NotEmpty(t, msg.ID)
}

func TestEditOnlyBySender(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})
	s.Join("conn-c", model.UserJoin{Name: "C"})

	msg, err := s.AppendText("conn-a", "hello")
	require.NoError(t, err)

	edited, err := s.Edit("conn-a", msg.ID, "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", edited.Text)
	assert.True(t, edited.Edited)
	assert.NotZero(t, edited.EditedAt)

	_, err = s.Edit("conn-c", msg.ID, "hijacked")
	assert.ErrorIs(t, err, ErrNotSender)

	msgs, err := s.RoomMessages("general", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world", msgs[0].Text)
	assert.True(t, msgs[0].Edited)
}

func TestEditUnknownMessage(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})

	_, err := s.Edit("conn-a", "no-such-id", "text")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteOnlyBySender(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})
	s.Join("conn-c", model.UserJoin{Name: "C"})

	msg, err := s.AppendText("conn-a", "hello")
	require.NoError(t, err)

	err = s.Delete("conn-c", msg.ID)
	assert.ErrorIs(t, err, ErrNotSender)

	msgs, _ := s.RoomMessages("general", 0)
	require.Len(t, msgs, 1, "message must survive a non-owner delete")

	require.NoError(t, s.Delete("conn-a", msg.ID))
	msgs, _ = s.RoomMessages("general", 0)
	assert.Empty(t, msgs)

	err = s.Delete("conn-a", msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestLeave(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})

	user, ok := s.Leave("conn-a")
	require.True(t, ok)
	assert.Equal(t, "A", user.Name)

	users, err := s.RoomUsers("general")
	require.NoError(t, err)
	assert.Empty(t, users)

	_, ok = s.Leave("conn-a")
	assert.False(t, ok, "second leave must be a no-op")

	_, ok = s.Leave("never-registered")
	assert.False(t, ok)
}

func TestRoomQueries(t *testing.T) {
	s := NewStore("general")
	s.Join("conn-a", model.UserJoin{Name: "A"})
	s.Join("conn-b", model.UserJoin{Name: "B", Room: "dev"})

	users, rooms := s.Counts()
	assert.Equal(t, 2, users)
	assert.Equal(t, 2, rooms)

	_, err := s.RoomUsers("nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.RoomMessages("nope", 10)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	ids, err := s.MemberIDs("general")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-a"}, ids)

	all := s.AllUsers()
	assert.Len(t, all, 2)
}
