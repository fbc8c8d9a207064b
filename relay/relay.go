// Package relay is the real-time core: it binds sockets to rooms, validates
// client intents, fans them out through the message broker and broadcasts
// derived state to every member of a room. The server owns no timeline of its
// own; it relays intents and keeps a per-room scratchpad for late joiners.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/gommon/log"

	"clique.live/model"
	"clique.live/pkg/msgbroker"
	"clique.live/pkg/utils"
	"clique.live/pkg/websocket"
	"clique.live/registry"
)

// fallbackInterval is how often a join waits for a reported playback time
// before pushing the video snapshot to the room.
const fallbackInterval = time.Second

type Relay struct {
	channels      websocket.Channels
	registry      *registry.Registry
	members       *Membership
	broker        msgbroker.MessageBroker
	workerPool    *workerpool.WorkerPool
	eventsChannel string

	queuesMu sync.Mutex
	queues   map[string][]*websocket.Event
}

func New(members *Membership, mb msgbroker.MessageBroker, maxWorkers int) *Relay {
	return &Relay{
		channels:      websocket.NewChannels(),
		registry:      registry.New(),
		members:       members,
		broker:        mb,
		workerPool:    workerpool.New(maxWorkers),
		eventsChannel: "events:",
		queues:        make(map[string][]*websocket.Event),
	}
}

// Start subscribes the relay to the room event channels.
func (r *Relay) Start() error {
	return r.broker.Subscribe(r.eventsChannel+"*", r.handleEvents)
}

func (r *Relay) Close() {
	r.workerPool.StopWait()
	_ = r.broker.Unsubscribe(r.eventsChannel + "*")
}

// Serve reads events from the user's connection until it drops. The first
// JOIN_ROOM binds the socket to a room; everything after is validated,
// stamped with the sender's identity and published to the room channel.
func (r *Relay) Serve(u *model.User) {
	done := make(chan bool)

	onConnect := func() {
		ticker := time.NewTicker(time.Second * 30)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := wsutil.WriteServerMessage(u.Conn, ws.OpPing, []byte("ping"))
				if err != nil {
					log.Warn(err)
				}
			}
		}
	}

	onDisconnect := func() {
		done <- true
		_ = u.Conn.Close()
		if u.RoomID != "" {
			r.channels.Unsubscribe(u, u.RoomID)
			r.announceLeave(u)
			r.members.Leave(u.RoomID, u.UserID)
			r.scheduleStateCleanup(u.RoomID)
		}
		log.Infof("user %s disconnected from room %s", u.DispName, u.RoomID)
	}

	go onConnect()
	defer onDisconnect()

	for {
		b, err := wsutil.ReadClientText(u.Conn)
		if err != nil {
			break
		}

		var evt websocket.Event
		if err = json.Unmarshal(b, &evt); err != nil {
			log.Warn(err)
			continue
		}

		if evt.Name == websocket.EvtJoinRoom {
			if err = r.bind(u, &evt); err != nil {
				log.Warn(err)
			}
			continue
		}

		if u.RoomID == "" {
			log.Warnf("event '%s' from unbound connection dropped", evt.Name)
			continue
		}

		if err = evt.Validate(); err != nil {
			log.Warn(err)
			continue
		}

		evt.UserID = u.UserID
		evt.RoomID = u.RoomID
		evt.SentAt = time.Now()
		b, err = json.Marshal(&evt)
		if err != nil {
			log.Error(err)
			continue
		}

		if err = r.broker.Publish(b, r.eventsChannel+u.RoomID); err != nil {
			log.Warn(err)
		}
	}
}

// bind attaches the socket to its room and bootstraps the joiner: the room's
// chat log goes to the joining socket, the room is prompted for a time report
// and a fallback loop waits for the playback snapshot. A second JOIN on an
// already bound socket is a no-op.
func (r *Relay) bind(u *model.User, e *websocket.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if u.RoomID != "" {
		return nil
	}

	var d websocket.JoinRoomData
	if err := e.Bind(&d); err != nil {
		return err
	}

	u.ID = d.RoomID + d.UserID + utils.RandString(3)
	u.UserID = d.UserID
	u.RoomID = d.RoomID
	u.RealName = d.RealName
	u.DispName = d.DispName
	u.IsOwner = d.IsOwner

	r.channels.Subscribe(u, u.RoomID)
	r.registry.Join(u.RoomID)

	state, _ := r.registry.Get(u.RoomID)
	r.send(u, websocket.EvtSetMsgs, &websocket.SetMsgsData{CurrMsgList: state.Log})
	r.publish(u.RoomID, websocket.EvtGetVTime, nil)
	go r.awaitSnapshot(u.RoomID)

	log.Infof("user %s joined room %s", u.DispName, u.RoomID)
	return nil
}

// awaitSnapshot polls the registry until a member has reported a playback
// time, then pushes the video+time snapshot to the room. Stops when the room
// state is gone.
func (r *Relay) awaitSnapshot(roomCode string) {
	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for range ticker.C {
		state, ok := r.registry.Get(roomCode)
		if !ok {
			return
		}
		if state.VideoTime > 0 {
			r.publish(roomCode, websocket.EvtSetVideo, &websocket.SetVideoData{
				RespVideo:     state.VideoID,
				RespVideoTime: state.VideoTime,
			})
			return
		}
	}
}

func (r *Relay) announceLeave(u *model.User) {
	r.publish(u.RoomID, websocket.EvtGetUsers, nil)
	r.publish(u.RoomID, websocket.EvtSendNotice, &websocket.SendNoticeData{
		MsgContent: fmt.Sprintf("*%s* has left the room.", u.Label()),
	})
}

// scheduleStateCleanup drops the room's in-memory state once nobody has been
// connected for the grace period. The durable record is the membership
// manager's business; this only covers the scratchpad.
func (r *Relay) scheduleStateCleanup(roomCode string) {
	time.AfterFunc(r.members.Grace, func() {
		if r.channels.Count(roomCode) == 0 {
			r.registry.Remove(roomCode)
		}
	})
}

// handleEvents queues events arriving from the broker subscription. Events
// for the same room dispatch one at a time in arrival order; distinct rooms
// drain independently on the worker pool.
func (r *Relay) handleEvents(msg *msgbroker.Message) {
	if len(msg.Channel) <= len(r.eventsChannel) {
		return
	}
	roomCode := msg.Channel[len(r.eventsChannel):]

	var evt websocket.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		log.Warn(err)
		return
	}

	r.queuesMu.Lock()
	queue, active := r.queues[roomCode]
	r.queues[roomCode] = append(queue, &evt)
	r.queuesMu.Unlock()

	if !active {
		r.workerPool.Submit(func() {
			r.drainQueue(roomCode)
		})
	}
}

// drainQueue dispatches the room's queued events until the queue empties.
// The queue entry is removed only then, so at most one drain per room runs
// at a time.
func (r *Relay) drainQueue(roomCode string) {
	for {
		r.queuesMu.Lock()
		queue := r.queues[roomCode]
		if len(queue) == 0 {
			delete(r.queues, roomCode)
			r.queuesMu.Unlock()
			return
		}
		evt := queue[0]
		r.queues[roomCode] = queue[1:]
		r.queuesMu.Unlock()

		r.dispatch(roomCode, evt)
	}
}

// dispatch applies an event's registry side effects and broadcasts the
// derived state to the room's sockets. Most events are relayed untouched:
// play, pause and seek are UI signals owned by the clients, not commits.
func (r *Relay) dispatch(roomCode string, e *websocket.Event) {
	switch e.Name {
	case websocket.EvtReqVideo:
		var d websocket.ReqVideoData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		r.registry.SetVideo(roomCode, d.Query)
		r.broadcast(roomCode, websocket.EvtSetVideo, &websocket.SetVideoData{RespVideo: d.Query})

	case websocket.EvtSetVTime:
		var d websocket.SetVTimeData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		r.registry.SetPlaybackTime(roomCode, d.CurrVideoTime)

	case websocket.EvtUpdMsgs:
		var d websocket.UpdMsgsData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		r.registry.ReplaceLog(roomCode, d.NewMsgList)

	case websocket.EvtGetUsers:
		r.broadcast(roomCode, websocket.EvtGetUsers, &websocket.GetUsersData{
			UserCount: r.channels.Count(roomCode),
		})

	case websocket.EvtSendNotice:
		var d websocket.SendNoticeData
		if err := e.Bind(&d); err != nil {
			log.Warn(err)
			return
		}
		// the log rides along untouched; the notice reaches the log through
		// the members' UPD_MSGS round trip
		state, _ := r.registry.Get(roomCode)
		r.broadcast(roomCode, websocket.EvtSendNotice, &websocket.SendNoticeData{
			MsgContent:  d.MsgContent,
			CurrMsgList: state.Log,
		})

	case websocket.EvtEndVideo, websocket.EvtSetPlay, websocket.EvtNavVTime,
		websocket.EvtSendMsg, websocket.EvtGetVTime, websocket.EvtSetVideo,
		websocket.EvtSetMsgs:
		r.relayRaw(roomCode, e)

	default:
		log.Warnf("unknown event '%s' for room %s dropped", e.Name, roomCode)
	}
}

func (r *Relay) broadcast(roomCode, name string, data interface{}) {
	e, err := websocket.NewEvent(name, data)
	if err != nil {
		log.Error(err)
		return
	}
	r.relayRaw(roomCode, e)
}

func (r *Relay) relayRaw(roomCode string, e *websocket.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error(err)
		return
	}
	for _, u := range r.channels.GetSubscribers(roomCode) {
		if err := wsutil.WriteServerText(u.Conn, b); err != nil {
			log.Warn(err)
		}
	}
}

func (r *Relay) send(u *model.User, name string, data interface{}) {
	e, err := websocket.NewEvent(name, data)
	if err != nil {
		log.Error(err)
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		log.Error(err)
		return
	}
	if err := wsutil.WriteServerText(u.Conn, b); err != nil {
		log.Warn(err)
	}
}

// publish puts a server-originated event on the room channel so every
// relay's dispatch sees it.
func (r *Relay) publish(roomCode, name string, data interface{}) {
	e, err := websocket.NewEvent(name, data)
	if err != nil {
		log.Error(err)
		return
	}
	e.RoomID = roomCode
	e.SentAt = time.Now()

	b, err := json.Marshal(e)
	if err != nil {
		log.Error(err)
		return
	}
	if err := r.broker.Publish(b, r.eventsChannel+roomCode); err != nil {
		log.Warn(err)
	}
}
