// Package client implements the room-side logic a player front-end needs:
// joining a room, reporting playback time when prompted, applying relayed
// play/pause/seek signals, and reconciling local playback against the room's
// snapshot when joining mid-session.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/gommon/log"

	"clique.live/model"
	"clique.live/pkg/websocket"
)

// DefaultVideoID plays in a room before anyone has requested a video.
const DefaultVideoID = "e2qG5uwDCW4"

// Player is the local video player the client drives. Implementations wrap
// whatever playback surface the embedder has.
type Player interface {
	LoadVideo(videoID string)
	Play()
	Pause()
	SeekTo(seconds float64)
	CurrentTime() float64
}

// Callbacks receive room activity the player itself has no use for. Any
// field may be nil.
type Callbacks struct {
	OnMessages  func(list []model.ChatEntry)
	OnMessage   func(msg websocket.SendMsgData)
	OnNotice    func(content string, list []model.ChatEntry)
	OnUserCount func(count int)
}

type Client struct {
	conn      net.Conn
	player    Player
	callbacks Callbacks

	wmu sync.Mutex

	mu             sync.Mutex
	roomCode       string
	userID         string
	realName       string
	dispName       string
	isOwner        bool
	userCount      int
	msgList        []model.ChatEntry
	snapshotTime   float64
	offsetExecTime time.Time
	hasSnapshot    bool
	reconciled     bool
}

// Dial connects to the relay's websocket endpoint.
func Dial(ctx context.Context, url string, p Player, cb Callbacks) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, p, cb), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, p Player, cb Callbacks) *Client {
	return &Client{conn: conn, player: p, callbacks: cb}
}

// Join binds the connection to a room and announces the arrival the way the
// room expects: a user-count probe followed by a joined notice.
func (c *Client) Join(roomCode, userID, realName, dispName string, isOwner bool) error {
	c.mu.Lock()
	c.roomCode = roomCode
	c.userID = userID
	c.realName = realName
	c.dispName = dispName
	c.isOwner = isOwner
	c.mu.Unlock()

	c.player.LoadVideo(DefaultVideoID)

	err := c.emit(websocket.EvtJoinRoom, &websocket.JoinRoomData{
		RoomID:   roomCode,
		UserID:   userID,
		RealName: realName,
		DispName: dispName,
		IsOwner:  isOwner,
	})
	if err != nil {
		return err
	}
	if err = c.emit(websocket.EvtGetUsers, nil); err != nil {
		return err
	}
	return c.emit(websocket.EvtSendNotice, &websocket.SendNoticeData{
		MsgContent: fmt.Sprintf("*%s* has joined the room.", c.label()),
	})
}

// Run reads relayed events until the connection drops.
func (c *Client) Run() error {
	for {
		b, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return err
		}

		var evt websocket.Event
		if err = json.Unmarshal(b, &evt); err != nil {
			log.Warn(err)
			continue
		}
		c.handle(&evt)
	}
}

func (c *Client) handle(e *websocket.Event) {
	switch e.Name {
	case websocket.EvtSetVideo:
		var d websocket.SetVideoData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		if d.RespVideo != "" {
			c.player.LoadVideo(d.RespVideo)
		}
		if d.RespVideoTime > 0 {
			c.mu.Lock()
			c.snapshotTime = d.RespVideoTime
			c.offsetExecTime = time.Now()
			c.hasSnapshot = true
			c.mu.Unlock()
		}

	case websocket.EvtGetVTime:
		err := c.emit(websocket.EvtSetVTime, &websocket.SetVTimeData{
			CurrVideoTime: c.player.CurrentTime(),
		})
		if err != nil {
			log.Warn(err)
		}

	case websocket.EvtSetPlay:
		var d websocket.SetPlayData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		if d.PlayVideo {
			c.player.Play()
		} else {
			c.player.Pause()
		}

	case websocket.EvtNavVTime:
		var d websocket.NavVTimeData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		c.player.SeekTo(d.NewTime)

	case websocket.EvtEndVideo:
		var d websocket.EndVideoData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		c.player.SeekTo(d.EndTime)

	case websocket.EvtGetUsers:
		var d websocket.GetUsersData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		if d.UserCount > 0 {
			c.mu.Lock()
			c.userCount = d.UserCount
			c.mu.Unlock()
			if c.callbacks.OnUserCount != nil {
				c.callbacks.OnUserCount(d.UserCount)
			}
		}

	case websocket.EvtSetMsgs:
		var d websocket.SetMsgsData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		c.mu.Lock()
		c.msgList = d.CurrMsgList
		c.mu.Unlock()
		if c.callbacks.OnMessages != nil {
			c.callbacks.OnMessages(d.CurrMsgList)
		}

	case websocket.EvtSendMsg:
		var d websocket.SendMsgData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		now := time.Now()
		c.appendEntry(model.ChatEntry{
			Key:           now.UnixNano() / int64(time.Millisecond),
			Content:       d.MsgContent,
			SenderDisp:    d.SenderDisp,
			SenderReal:    d.SenderReal,
			SenderIsOwner: d.SenderIsOwner,
			Timestamp:     []int{now.Hour(), now.Minute(), now.Second()},
		}, d.CurrMsgList)
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(d)
		}

	case websocket.EvtSendNotice:
		var d websocket.SendNoticeData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		c.appendEntry(model.ChatEntry{
			Key:     time.Now().UnixNano() / int64(time.Millisecond),
			Notice:  true,
			Content: d.MsgContent,
		}, d.CurrMsgList)
		if c.callbacks.OnNotice != nil {
			c.callbacks.OnNotice(d.MsgContent, d.CurrMsgList)
		}
	}
}

// OnPlayerStart reconciles local playback once the player actually starts:
// seek to the snapshot time plus the wall-clock elapsed since it arrived.
// Single-member rooms skip the seek, there is nothing to reconcile against.
func (c *Client) OnPlayerStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconciled {
		return
	}
	if c.userCount == 1 {
		c.reconciled = true
		return
	}
	if c.userCount > 1 && c.hasSnapshot {
		elapsed := time.Since(c.offsetExecTime).Seconds()
		c.player.SeekTo(c.snapshotTime + elapsed)
		c.reconciled = true
	}
}

// RequestVideo asks the room to switch everyone to the given video id.
func (c *Client) RequestVideo(query string) error {
	return c.emit(websocket.EvtReqVideo, &websocket.ReqVideoData{Query: query})
}

// SetPlay relays the local play/pause toggle to the room.
func (c *Client) SetPlay(playing bool) error {
	return c.emit(websocket.EvtSetPlay, &websocket.SetPlayData{PlayVideo: playing})
}

// Navigate relays a seek to the room.
func (c *Client) Navigate(seconds float64) error {
	return c.emit(websocket.EvtNavVTime, &websocket.NavVTimeData{NewTime: seconds})
}

// EndVideo tells the room this client's video finished.
func (c *Client) EndVideo(endTime float64) error {
	return c.emit(websocket.EvtEndVideo, &websocket.EndVideoData{EndTime: endTime})
}

// SendMessage relays a chat message under the joined identity.
func (c *Client) SendMessage(content string) error {
	c.mu.Lock()
	d := &websocket.SendMsgData{
		SenderDisp:    c.dispName,
		SenderReal:    c.realName,
		SenderIsOwner: c.isOwner,
		MsgContent:    content,
		CurrMsgList:   c.msgList,
	}
	c.mu.Unlock()
	return c.emit(websocket.EvtSendMsg, d)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// appendEntry grows the local message list FIFO-bounded and pushes the new
// list to the room, which stores it as the room's log.
func (c *Client) appendEntry(entry model.ChatEntry, base []model.ChatEntry) {
	c.mu.Lock()
	list := base
	if list == nil {
		list = c.msgList
	}
	if len(list) >= 100 {
		list = list[1:]
	}
	list = append(list, entry)
	c.msgList = list
	c.mu.Unlock()

	err := c.emit(websocket.EvtUpdMsgs, &websocket.UpdMsgsData{NewMsgList: list})
	if err != nil {
		log.Warn(err)
	}
}

func (c *Client) label() string {
	if c.realName != "" {
		return c.dispName + " (" + c.realName + ")"
	}
	return c.dispName
}

func (c *Client) emit(name string, data interface{}) error {
	e, err := websocket.NewEvent(name, data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteClientText(c.conn, b)
}
