package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"clique.live/model"
	"clique.live/pkg/utils"
)

type Storage interface {
	RoomExist(roomCode string) bool
	CreateRoom(room *model.Room) (code string, err error)
	GetRoom(roomCode string) (*model.Room, error)
	DeleteRoom(roomCode string) error
	AddMember(roomCode string, m model.Member) error
	RemoveMember(roomCode string, userID string) (*model.Member, error)
	AddPastMember(roomCode string, m model.Member) error
	IncrVisits() (int64, error)
	GetVisitsByDate(date time.Time) (int64, error)
}

type storage struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) Storage {
	return &storage{rdb: rdb}
}

func (s *storage) CreateRoom(room *model.Room) (string, error) {
	code := utils.RoomCode()
	if s.RoomExist(code) {
		code = ""
		for i := 5; i <= 15; i++ {
			newCode := utils.RandString(i)
			if !s.RoomExist(newCode) {
				code = newCode
				break
			}
		}
	}
	if code == "" {
		return "", errors.New("unable to generate an unique room code")
	}

	room.Code = code
	room.CreatedAt = time.Now()
	if room.Members == nil {
		room.Members = []model.Member{}
	}
	if room.PastMembers == nil {
		room.PastMembers = []model.Member{}
	}

	membersJSON, err := json.Marshal(room.Members)
	if err != nil {
		return "", err
	}
	pastJSON, err := json.Marshal(room.PastMembers)
	if err != nil {
		return "", err
	}

	data := map[string]interface{}{
		"code":         code,
		"host":         room.Host,
		"name":         room.Name,
		"pass":         room.Pass,
		"max_users":    room.MaxUsers,
		"created_at":   room.CreatedAt.Format(time.RFC3339),
		"members":      string(membersJSON),
		"members_past": string(pastJSON),
	}

	err = s.rdb.HSet("room:"+code, data).Err()
	if err != nil {
		return "", err
	}
	return code, nil
}

func (s *storage) GetRoom(roomCode string) (*model.Room, error) {
	data := s.rdb.HGetAll("room:" + roomCode).Val()
	if len(data) == 0 {
		return nil, fmt.Errorf("room '%s' not found", roomCode)
	}

	var r model.Room
	r.Code = data["code"]
	r.Host = data["host"]
	r.Name = data["name"]
	r.Pass = data["pass"]
	r.MaxUsers = utils.ParseInt(data["max_users"], 2, 2, 50)
	if createdAt, err := time.Parse(time.RFC3339, data["created_at"]); err == nil {
		r.CreatedAt = createdAt
	}

	r.Members = []model.Member{}
	if membersJSON, exists := data["members"]; exists {
		err := json.Unmarshal([]byte(membersJSON), &r.Members)
		if err != nil {
			return nil, err
		}
	}
	r.PastMembers = []model.Member{}
	if pastJSON, exists := data["members_past"]; exists {
		err := json.Unmarshal([]byte(pastJSON), &r.PastMembers)
		if err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// DeleteRoom removes the room record. Deleting a room that is already absent
// is not an error.
func (s *storage) DeleteRoom(roomCode string) error {
	return s.rdb.Del("room:" + roomCode).Err()
}

// AddMember puts m into the room's current members and drops the same id from
// the past members, so a returning member never appears in both lists.
// Adding an id that is already a current member is a no-op.
func (s *storage) AddMember(roomCode string, m model.Member) error {
	room, err := s.GetRoom(roomCode)
	if err != nil {
		return err
	}
	for _, member := range room.Members {
		if member.UserID == m.UserID {
			return nil
		}
	}
	if len(room.Members) >= room.MaxUsers {
		return fmt.Errorf("room '%s' is full", roomCode)
	}

	room.Members = append(room.Members, m)
	for i, past := range room.PastMembers {
		if past.UserID == m.UserID {
			lastElem := len(room.PastMembers) - 1
			room.PastMembers[i] = room.PastMembers[lastElem]
			room.PastMembers = room.PastMembers[:lastElem]
			break
		}
	}
	return s.saveMembers(room)
}

// RemoveMember pulls the member with userID from the room's current members
// and returns it, or nil when no such member exists.
func (s *storage) RemoveMember(roomCode string, userID string) (*model.Member, error) {
	room, err := s.GetRoom(roomCode)
	if err != nil {
		return nil, err
	}

	var removed *model.Member
	for i, m := range room.Members {
		if m.UserID == userID {
			member := m
			removed = &member
			lastElem := len(room.Members) - 1
			room.Members[i] = room.Members[lastElem]
			room.Members = room.Members[:lastElem]
			break
		}
	}
	if removed == nil {
		return nil, nil
	}
	return removed, s.saveMembers(room)
}

// AddPastMember archives m in the room's past members unless the id is
// already there.
func (s *storage) AddPastMember(roomCode string, m model.Member) error {
	room, err := s.GetRoom(roomCode)
	if err != nil {
		return err
	}
	for _, past := range room.PastMembers {
		if past.UserID == m.UserID {
			return nil
		}
	}
	room.PastMembers = append(room.PastMembers, m)
	return s.saveMembers(room)
}

func (s *storage) saveMembers(room *model.Room) error {
	membersJSON, err := json.Marshal(room.Members)
	if err != nil {
		return err
	}
	pastJSON, err := json.Marshal(room.PastMembers)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"members":      string(membersJSON),
		"members_past": string(pastJSON),
	}
	return s.rdb.HSet("room:"+room.Code, data).Err()
}

func (s *storage) IncrVisits() (int64, error) {
	return s.rdb.Incr("visits:" + time.Now().Format("02.01.06")).Result()
}

func (s *storage) GetVisitsByDate(date time.Time) (int64, error) {
	return s.rdb.Get("visits:" + date.Format("02.01.06")).Int64()
}

func (s *storage) RoomExist(roomCode string) bool {
	return s.rdb.Exists("room:"+roomCode).Val() == 1
}
