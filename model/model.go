package model

import (
	"net"
	"time"

	"clique.live/pkg/utils"
)

type (
	// Room is the durable room record, addressed by its code.
	Room struct {
		Code        string    `json:"roomCode"`
		Host        string    `json:"roomHost"`
		Name        string    `json:"roomName"`
		Pass        string    `json:"roomPass,omitempty"`
		MaxUsers    int       `json:"maxUsers"`
		Members     []Member  `json:"users"`
		PastMembers []Member  `json:"usersPast"`
		CreatedAt   time.Time `json:"createdAt"`
	}

	// Member is a room participant, durable across reconnects via UserID.
	Member struct {
		RealName string `json:"realName"`
		DispName string `json:"dispName"`
		UserID   string `json:"userId"`
		IsOwner  bool   `json:"isOwner"`
	}

	// ChatEntry is one message or notice in a room's bounded log.
	ChatEntry struct {
		Key           int64  `json:"key"`
		Notice        bool   `json:"notice"`
		Content       string `json:"content"`
		SenderDisp    string `json:"senderDisp,omitempty"`
		SenderReal    string `json:"senderReal,omitempty"`
		SenderIsOwner bool   `json:"senderIsOwner,omitempty"`
		Timestamp     []int  `json:"timestamp,omitempty"`
	}

	// User is a live socket binding to a (room code, member id) pair.
	// It has no persistence of its own.
	User struct {
		ID       string   `json:"id"`
		UserID   string   `json:"userId"`
		RoomID   string   `json:"roomId"`
		RealName string   `json:"realName"`
		DispName string   `json:"dispName"`
		IsOwner  bool     `json:"isOwner"`
		Conn     net.Conn `json:"-"`
	}
)

// Label renders the user the way room notices name them.
func (u *User) Label() string {
	if u.RealName != "" {
		return u.DispName + " (" + u.RealName + ")"
	}
	return u.DispName
}

func (r *Room) Valid() bool {
	return utils.IsLengthValid(r.Name, 1, 24) &&
		utils.IsLengthValid(r.Host, 1, 36) &&
		utils.IsLengthValid(r.Pass, 0, 100) &&
		r.MaxUsers >= 2 && r.MaxUsers <= 50
}

func (m *Member) Valid() bool {
	return utils.IsNameValid(m.DispName) && m.UserID != ""
}
