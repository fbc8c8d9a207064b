package relay

import (
	"time"

	"github.com/labstack/gommon/log"

	"clique.live/model"
	"clique.live/storage"
)

// DefaultGrace is how long an empty room may linger before its durable
// record is deleted. It covers the window between a member's disconnect and
// the same member's page-reload reconnect.
const DefaultGrace = 3 * time.Second

// Membership keeps the durable member lists in step with live connections.
// Storage calls made on behalf of a disconnecting client are best effort:
// that client is already gone, so failures are logged and swallowed.
type Membership struct {
	storage storage.Storage

	// Grace delays the empty-room deletion check after each leave.
	Grace time.Duration
}

func NewMembership(s storage.Storage) *Membership {
	return &Membership{storage: s, Grace: DefaultGrace}
}

// Lookup finds the member with userID in the room. A match among the past
// members is moved back into the current members, which is what lets a
// reloading page resume its identity. Returns nil when the id is unknown.
func (m *Membership) Lookup(roomCode, userID string) (*model.Member, error) {
	room, err := m.storage.GetRoom(roomCode)
	if err != nil {
		return nil, err
	}

	for _, member := range room.Members {
		if member.UserID == userID {
			found := member
			return &found, nil
		}
	}

	for _, member := range room.PastMembers {
		if member.UserID == userID {
			found := member
			if err := m.storage.AddMember(roomCode, found); err != nil {
				log.Warn(err)
			}
			return &found, nil
		}
	}
	return nil, nil
}

// Enter adds a member to the durable current list. The storage layer pulls
// the same id from the past list, so a member is never in both.
func (m *Membership) Enter(roomCode string, member model.Member) error {
	return m.storage.AddMember(roomCode, member)
}

// Leave pulls the member from the durable current list, archives them as a
// past member for rejoin continuity, and arms the empty-room check.
func (m *Membership) Leave(roomCode, userID string) {
	removed, err := m.storage.RemoveMember(roomCode, userID)
	if err != nil {
		log.Warn(err)
	}
	if removed != nil {
		if err := m.storage.AddPastMember(roomCode, *removed); err != nil {
			log.Warn(err)
		}
	}
	m.ScheduleCleanup(roomCode)
}

// ScheduleCleanup arms the deferred deletion check. The timer is not
// cancelled on rejoin; Cleanup re-reads membership right before deleting,
// which keeps overlapping timers and quick rejoins harmless.
func (m *Membership) ScheduleCleanup(roomCode string) {
	time.AfterFunc(m.Grace, func() {
		m.Cleanup(roomCode)
	})
}

// Cleanup deletes the durable room record iff the room has no current
// members at call time. Deleting an already-absent room is a no-op, so two
// overlapping checks may both fire without harm.
func (m *Membership) Cleanup(roomCode string) {
	room, err := m.storage.GetRoom(roomCode)
	if err != nil {
		return
	}
	if len(room.Members) == 0 {
		if err := m.storage.DeleteRoom(roomCode); err != nil {
			log.Warn(err)
		}
	}
}
