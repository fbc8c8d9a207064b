package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"clique.live/model"
	"clique.live/pkg/utils"
)

// Event names carried over the room channel. Names and payload shapes are
// shared with the web front-end.
const (
	EvtJoinRoom   = "JOIN_ROOM"
	EvtReqVideo   = "REQ_VIDEO"
	EvtEndVideo   = "END_VIDEO"
	EvtSetVideo   = "SET_VID"
	EvtSendMsg    = "SEND_MSG"
	EvtSetMsgs    = "SET_MSGS"
	EvtUpdMsgs    = "UPD_MSGS"
	EvtGetVTime   = "GET_VTIME"
	EvtSetVTime   = "SET_VTIME"
	EvtNavVTime   = "NAV_VTIME"
	EvtGetUsers   = "GET_USERS"
	EvtSetPlay    = "SET_PLAY"
	EvtSendNotice = "SEND_NTCE"
)

// MaxMessageLen bounds chat message content, in runes.
const MaxMessageLen = 256

type Channels interface {
	Subscribe(u *model.User, channels ...string)
	Unsubscribe(u *model.User, channels ...string)
	GetSubscribers(channel string) []*model.User
	Count(channel string) int
}

type (
	channels struct {
		sync.Mutex
		storage map[string]map[string]*model.User
	}

	// Event is the wire envelope. RoomID, UserID and SentAt are stamped by
	// the server before an inbound event reaches the broker.
	Event struct {
		Name   string          `json:"event"`
		RoomID string          `json:"roomId,omitempty"`
		UserID string          `json:"userId,omitempty"`
		SentAt time.Time       `json:"sentAt,omitempty"`
		Data   json.RawMessage `json:"data,omitempty"`
	}

	JoinRoomData struct {
		RoomID   string `json:"roomId"`
		UserID   string `json:"userId"`
		RealName string `json:"realName"`
		DispName string `json:"dispName"`
		IsOwner  bool   `json:"isOwner"`
	}

	ReqVideoData struct {
		Query string `json:"query"`
	}

	EndVideoData struct {
		EndTime float64 `json:"endTime"`
	}

	SetVideoData struct {
		RespVideo     string  `json:"respVideo"`
		RespVideoTime float64 `json:"respVideoTime,omitempty"`
	}

	SetVTimeData struct {
		CurrVideoTime float64 `json:"currVideoTime"`
	}

	GetUsersData struct {
		UserCount int `json:"userCount,omitempty"`
	}

	SetPlayData struct {
		PlayVideo bool `json:"playVideo"`
	}

	NavVTimeData struct {
		NewTime float64 `json:"newTime"`
	}

	SendMsgData struct {
		SenderDisp    string            `json:"senderDisp"`
		SenderReal    string            `json:"senderReal,omitempty"`
		SenderIsOwner bool              `json:"senderIsOwner,omitempty"`
		MsgContent    string            `json:"msgContent"`
		CurrMsgList   []model.ChatEntry `json:"currMsgList,omitempty"`
	}

	SendNoticeData struct {
		MsgContent  string            `json:"msgContent"`
		CurrMsgList []model.ChatEntry `json:"currMsgList,omitempty"`
	}

	UpdMsgsData struct {
		NewMsgList []model.ChatEntry `json:"newMsgList"`
	}

	SetMsgsData struct {
		CurrMsgList []model.ChatEntry `json:"currMsgList"`
	}
)

func NewChannels() Channels {
	return &channels{
		storage: make(map[string]map[string]*model.User),
	}
}

func (h *channels) Subscribe(u *model.User, channels ...string) {
	h.Lock()
	for _, ch := range channels {
		_, exists := h.storage[ch]
		if !exists {
			h.storage[ch] = make(map[string]*model.User)
		}
		h.storage[ch][u.ID] = u
	}
	h.Unlock()
}

func (h *channels) Unsubscribe(u *model.User, channels ...string) {
	h.Lock()
	for _, ch := range channels {
		_, exists := h.storage[ch]
		if exists {
			delete(h.storage[ch], u.ID)
			if len(h.storage[ch]) == 0 {
				delete(h.storage, ch)
			}
		}
	}
	h.Unlock()
}

func (h *channels) GetSubscribers(channel string) []*model.User {
	var result []*model.User
	h.Lock()
	subscribers, channelExists := h.storage[channel]
	h.Unlock()
	if channelExists {
		for _, s := range subscribers {
			result = append(result, s)
		}
	}
	return result
}

func (h *channels) Count(channel string) int {
	h.Lock()
	n := len(h.storage[channel])
	h.Unlock()
	return n
}

// NewEvent wraps data into an envelope with the given event name.
func NewEvent(name string, data interface{}) (*Event, error) {
	e := &Event{Name: name}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		e.Data = b
	}
	return e, nil
}

// Bind unmarshals the event payload into v. Events without a payload bind to
// the zero value.
func (e *Event) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Validate checks a client-originated event. Server-originated names are
// rejected here so clients cannot spoof them.
func (e *Event) Validate() error {
	switch e.Name {
	case EvtJoinRoom:
		var d JoinRoomData
		if err := e.Bind(&d); err != nil {
			return err
		}
		if strings.TrimSpace(d.RoomID) == "" {
			return fmt.Errorf("invalid '%s' request, param 'roomId' is required", e.Name)
		}
		if strings.TrimSpace(d.UserID) == "" {
			return fmt.Errorf("invalid '%s' request, param 'userId' is required", e.Name)
		}
		if !utils.IsNameValid(d.DispName) {
			return fmt.Errorf("invalid '%s' request, param 'dispName' must be 1 to 36 name characters", e.Name)
		}
	case EvtReqVideo:
		var d ReqVideoData
		if err := e.Bind(&d); err != nil {
			return err
		}
		if strings.TrimSpace(d.Query) == "" {
			return fmt.Errorf("invalid '%s' request, param 'query' is required", e.Name)
		}
	case EvtSendMsg:
		var d SendMsgData
		if err := e.Bind(&d); err != nil {
			return err
		}
		content := strings.TrimSpace(d.MsgContent)
		if !utils.IsLengthValid(content, 1, MaxMessageLen) {
			return fmt.Errorf("invalid '%s' request, param 'msgContent' must be 1 to %d characters", e.Name, MaxMessageLen)
		}
	case EvtSendNotice:
		var d SendNoticeData
		if err := e.Bind(&d); err != nil {
			return err
		}
		if strings.TrimSpace(d.MsgContent) == "" {
			return fmt.Errorf("invalid '%s' request, param 'msgContent' is required", e.Name)
		}
	case EvtEndVideo:
		var d EndVideoData
		return e.Bind(&d)
	case EvtSetVTime:
		var d SetVTimeData
		return e.Bind(&d)
	case EvtNavVTime:
		var d NavVTimeData
		return e.Bind(&d)
	case EvtSetPlay:
		var d SetPlayData
		return e.Bind(&d)
	case EvtGetUsers:
		// no payload
	case EvtUpdMsgs:
		var d UpdMsgsData
		return e.Bind(&d)
	default:
		return fmt.Errorf("invalid event name: '%s'", e.Name)
	}
	return nil
}
