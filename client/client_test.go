package client

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"

	"clique.live/model"
	"clique.live/pkg/websocket"
)

type fakePlayer struct {
	mu      sync.Mutex
	loaded  []string
	seeks   []float64
	playing bool
	current float64
}

func (p *fakePlayer) LoadVideo(videoID string) {
	p.mu.Lock()
	p.loaded = append(p.loaded, videoID)
	p.mu.Unlock()
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	p.playing = true
	p.mu.Unlock()
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *fakePlayer) SeekTo(seconds float64) {
	p.mu.Lock()
	p.seeks = append(p.seeks, seconds)
	p.mu.Unlock()
}

func (p *fakePlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePlayer) seekCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seeks)
}

func (p *fakePlayer) lastSeek() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeks[len(p.seeks)-1]
}

func (p *fakePlayer) isPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// testServer is the server half of a piped connection.
type testServer struct {
	conn net.Conn
}

func newClientPair(p *fakePlayer, cb Callbacks) (*Client, *testServer) {
	clientSide, serverSide := net.Pipe()
	c := NewClient(clientSide, p, cb)
	go func() {
		_ = c.Run()
	}()
	return c, &testServer{conn: serverSide}
}

func (s *testServer) push(t *testing.T, name string, data interface{}) {
	t.Helper()
	e, err := websocket.NewEvent(name, data)
	assert.NoError(t, err)
	b, err := json.Marshal(e)
	assert.NoError(t, err)
	assert.NoError(t, wsutil.WriteServerText(s.conn, b))
}

func (s *testServer) read(t *testing.T) *websocket.Event {
	t.Helper()
	b, err := wsutil.ReadClientText(s.conn)
	assert.NoError(t, err)
	var e websocket.Event
	assert.NoError(t, json.Unmarshal(b, &e))
	return &e
}

func TestJoinAnnouncesArrival(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	go func() {
		_ = c.Join("abc123", "b", "Bob", "B", false)
	}()

	join := srv.read(t)
	assert.Equal(t, websocket.EvtJoinRoom, join.Name)
	var jd websocket.JoinRoomData
	assert.NoError(t, join.Bind(&jd))
	assert.Equal(t, "abc123", jd.RoomID)
	assert.Equal(t, "b", jd.UserID)
	assert.Equal(t, "B", jd.DispName)
	assert.Equal(t, "Bob", jd.RealName)

	probe := srv.read(t)
	assert.Equal(t, websocket.EvtGetUsers, probe.Name)

	notice := srv.read(t)
	assert.Equal(t, websocket.EvtSendNotice, notice.Name)
	var nd websocket.SendNoticeData
	assert.NoError(t, notice.Bind(&nd))
	assert.Equal(t, "*B (Bob)* has joined the room.", nd.MsgContent)
}

func TestRespondsToTimePrompt(t *testing.T) {
	p := &fakePlayer{current: 42.5}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	srv.push(t, websocket.EvtGetVTime, nil)

	evt := srv.read(t)
	assert.Equal(t, websocket.EvtSetVTime, evt.Name)
	var d websocket.SetVTimeData
	assert.NoError(t, evt.Bind(&d))
	assert.Equal(t, 42.5, d.CurrVideoTime)
}

func TestAppliesPlayPauseAndSeek(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	srv.push(t, websocket.EvtSetPlay, &websocket.SetPlayData{PlayVideo: true})
	assert.Eventually(t, p.isPlaying, time.Second, 5*time.Millisecond)

	srv.push(t, websocket.EvtSetPlay, &websocket.SetPlayData{PlayVideo: false})
	assert.Eventually(t, func() bool { return !p.isPlaying() }, time.Second, 5*time.Millisecond)

	srv.push(t, websocket.EvtNavVTime, &websocket.NavVTimeData{NewTime: 63})
	assert.Eventually(t, func() bool {
		return p.seekCount() == 1 && p.lastSeek() == 63
	}, time.Second, 5*time.Millisecond)

	srv.push(t, websocket.EvtEndVideo, &websocket.EndVideoData{EndTime: 240})
	assert.Eventually(t, func() bool {
		return p.seekCount() == 2 && p.lastSeek() == 240
	}, time.Second, 5*time.Millisecond)
}

func TestReconciliationSeeksToElapsedPosition(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	srv.push(t, websocket.EvtGetUsers, &websocket.GetUsersData{UserCount: 2})
	srv.push(t, websocket.EvtSetVideo, &websocket.SetVideoData{RespVideo: "xyz", RespVideoTime: 100})

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.loaded) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	c.OnPlayerStart()

	assert.Equal(t, 1, p.seekCount())
	// snapshot time plus at least the 200ms that elapsed since receipt
	assert.GreaterOrEqual(t, p.lastSeek(), 100.19)
	assert.Less(t, p.lastSeek(), 101.0)

	// a second start must not seek again
	c.OnPlayerStart()
	assert.Equal(t, 1, p.seekCount())
}

func TestSingleMemberRoomSkipsReconciliation(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	srv.push(t, websocket.EvtGetUsers, &websocket.GetUsersData{UserCount: 1})
	srv.push(t, websocket.EvtSetVideo, &websocket.SetVideoData{RespVideo: "xyz", RespVideoTime: 100})

	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.loaded) == 1
	}, time.Second, 5*time.Millisecond)

	c.OnPlayerStart()
	assert.Equal(t, 0, p.seekCount())

	// the skip is final: a later count bump does not re-arm the seek
	srv.push(t, websocket.EvtGetUsers, &websocket.GetUsersData{UserCount: 2})
	time.Sleep(20 * time.Millisecond)
	c.OnPlayerStart()
	assert.Equal(t, 0, p.seekCount())
}

func TestStartBeforeSnapshotDoesNotSeek(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	srv.push(t, websocket.EvtGetUsers, &websocket.GetUsersData{UserCount: 2})
	time.Sleep(20 * time.Millisecond)

	c.OnPlayerStart()
	assert.Equal(t, 0, p.seekCount())

	// the snapshot arriving later still reconciles on the next start
	srv.push(t, websocket.EvtSetVideo, &websocket.SetVideoData{RespVideo: "xyz", RespVideoTime: 50})
	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.loaded) == 1
	}, time.Second, 5*time.Millisecond)

	c.OnPlayerStart()
	assert.Equal(t, 1, p.seekCount())
	assert.InDelta(t, 50, p.lastSeek(), 0.5)
}

func TestIncomingMessageUpdatesRoomLog(t *testing.T) {
	p := &fakePlayer{}
	var gotMsg websocket.SendMsgData
	received := make(chan struct{}, 1)
	c, srv := newClientPair(p, Callbacks{
		OnMessage: func(msg websocket.SendMsgData) {
			gotMsg = msg
			received <- struct{}{}
		},
	})
	defer c.Close()

	srv.push(t, websocket.EvtSendMsg, &websocket.SendMsgData{
		SenderDisp: "A",
		MsgContent: "hi",
	})

	upd := srv.read(t)
	assert.Equal(t, websocket.EvtUpdMsgs, upd.Name)
	var d websocket.UpdMsgsData
	assert.NoError(t, upd.Bind(&d))
	assert.Len(t, d.NewMsgList, 1)
	assert.Equal(t, "hi", d.NewMsgList[0].Content)
	assert.Equal(t, "A", d.NewMsgList[0].SenderDisp)
	assert.False(t, d.NewMsgList[0].Notice)

	<-received
	assert.Equal(t, "hi", gotMsg.MsgContent)
}

func TestNoticeAppendsToServerProvidedLog(t *testing.T) {
	p := &fakePlayer{}
	c, srv := newClientPair(p, Callbacks{})
	defer c.Close()

	base := []model.ChatEntry{{Key: 1, Content: "earlier", SenderDisp: "A"}}
	srv.push(t, websocket.EvtSendNotice, &websocket.SendNoticeData{
		MsgContent:  "*B* has joined the room.",
		CurrMsgList: base,
	})

	upd := srv.read(t)
	assert.Equal(t, websocket.EvtUpdMsgs, upd.Name)
	var d websocket.UpdMsgsData
	assert.NoError(t, upd.Bind(&d))
	assert.Len(t, d.NewMsgList, 2)
	assert.Equal(t, "earlier", d.NewMsgList[0].Content)
	assert.True(t, d.NewMsgList[1].Notice)
	assert.Equal(t, "*B* has joined the room.", d.NewMsgList[1].Content)
}
