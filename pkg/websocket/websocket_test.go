package websocket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"clique.live/model"
)

func event(t *testing.T, name string, data interface{}) *Event {
	t.Helper()
	e, err := NewEvent(name, data)
	assert.NoError(t, err)
	return e
}

func TestValidateJoinRoom(t *testing.T) {
	e := event(t, EvtJoinRoom, &JoinRoomData{RoomID: "abc123", UserID: "u1", DispName: "Bob"})
	assert.NoError(t, e.Validate())

	e = event(t, EvtJoinRoom, &JoinRoomData{UserID: "u1", DispName: "Bob"})
	assert.Error(t, e.Validate())

	e = event(t, EvtJoinRoom, &JoinRoomData{RoomID: "abc123", DispName: "Bob"})
	assert.Error(t, e.Validate())

	e = event(t, EvtJoinRoom, &JoinRoomData{RoomID: "abc123", UserID: "u1"})
	assert.Error(t, e.Validate())

	e = event(t, EvtJoinRoom, &JoinRoomData{
		RoomID: "abc123", UserID: "u1", DispName: strings.Repeat("x", 37),
	})
	assert.Error(t, e.Validate())
}

func TestValidateReqVideo(t *testing.T) {
	e := event(t, EvtReqVideo, &ReqVideoData{Query: "xyz"})
	assert.NoError(t, e.Validate())

	e = event(t, EvtReqVideo, &ReqVideoData{Query: "   "})
	assert.Error(t, e.Validate())
}

func TestValidateSendMsg(t *testing.T) {
	e := event(t, EvtSendMsg, &SendMsgData{SenderDisp: "A", MsgContent: "hello"})
	assert.NoError(t, e.Validate())

	e = event(t, EvtSendMsg, &SendMsgData{SenderDisp: "A", MsgContent: " "})
	assert.Error(t, e.Validate())

	e = event(t, EvtSendMsg, &SendMsgData{
		SenderDisp: "A", MsgContent: strings.Repeat("x", MaxMessageLen+1),
	})
	assert.Error(t, e.Validate())
}

func TestValidateRejectsServerEvents(t *testing.T) {
	for _, name := range []string{EvtSetVideo, EvtSetMsgs, EvtGetVTime, "BOGUS"} {
		e := event(t, name, nil)
		assert.Error(t, e.Validate(), name)
	}
}

func TestValidateRelayedSignals(t *testing.T) {
	assert.NoError(t, event(t, EvtSetPlay, &SetPlayData{PlayVideo: true}).Validate())
	assert.NoError(t, event(t, EvtNavVTime, &NavVTimeData{NewTime: 3.5}).Validate())
	assert.NoError(t, event(t, EvtEndVideo, &EndVideoData{EndTime: 100}).Validate())
	assert.NoError(t, event(t, EvtSetVTime, &SetVTimeData{CurrVideoTime: 12}).Validate())
	assert.NoError(t, event(t, EvtGetUsers, nil).Validate())
	assert.NoError(t, event(t, EvtUpdMsgs, &UpdMsgsData{}).Validate())
}

func TestBindRoundTrip(t *testing.T) {
	e := event(t, EvtSendNotice, &SendNoticeData{
		MsgContent:  "*A* has left the room.",
		CurrMsgList: []model.ChatEntry{{Key: 7, Notice: true, Content: "x"}},
	})

	var d SendNoticeData
	assert.NoError(t, e.Bind(&d))
	assert.Equal(t, "*A* has left the room.", d.MsgContent)
	assert.Len(t, d.CurrMsgList, 1)
	assert.Equal(t, int64(7), d.CurrMsgList[0].Key)
}

func TestChannels(t *testing.T) {
	ch := NewChannels()
	a := &model.User{ID: "a"}
	b := &model.User{ID: "b"}

	ch.Subscribe(a, "room1")
	ch.Subscribe(b, "room1")
	assert.Equal(t, 2, ch.Count("room1"))
	assert.Len(t, ch.GetSubscribers("room1"), 2)

	// duplicate subscribe keeps a single binding
	ch.Subscribe(a, "room1")
	assert.Equal(t, 2, ch.Count("room1"))

	ch.Unsubscribe(a, "room1")
	assert.Equal(t, 1, ch.Count("room1"))

	ch.Unsubscribe(b, "room1")
	assert.Equal(t, 0, ch.Count("room1"))
	assert.Empty(t, ch.GetSubscribers("room1"))
}
