// Package registry holds the ephemeral per-room playback and chat state.
// Entries live in process memory only: they appear on the first join and are
// removed by the membership cleanup policy, never persisted.
package registry

import (
	"sync"
	"time"

	"clique.live/model"
)

// MaxLogEntries bounds a room's chat/notice log; the oldest entry is evicted
// on overflow.
const MaxLogEntries = 100

// RoomState is a read-only snapshot of a room's scratchpad.
type RoomState struct {
	VideoID   string
	VideoTime float64
	Log       []model.ChatEntry
}

type roomState struct {
	videoID   string
	videoTime float64
	log       []model.ChatEntry
	nextKey   int64
}

type Registry struct {
	sync.Mutex
	rooms map[string]*roomState
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]*roomState),
	}
}

// Join ensures a state entry exists for the room. It is the only operation
// that creates one: mutations on a room with no entry are dropped, so a late
// event for an already-collected room cannot resurrect its state.
func (r *Registry) Join(roomCode string) {
	r.Lock()
	if _, exists := r.rooms[roomCode]; !exists {
		r.rooms[roomCode] = &roomState{}
	}
	r.Unlock()
}

// Get returns a snapshot of the room state, with a copy of the log.
func (r *Registry) Get(roomCode string) (RoomState, bool) {
	r.Lock()
	defer r.Unlock()
	room, exists := r.rooms[roomCode]
	if !exists {
		return RoomState{}, false
	}
	state := RoomState{
		VideoID:   room.videoID,
		VideoTime: room.videoTime,
		Log:       make([]model.ChatEntry, len(room.log)),
	}
	copy(state.Log, room.log)
	return state, true
}

// SetVideo overwrites the room's current video id. The last reported playback
// time is left as is; it belongs to the previous video until a member reports
// a time for the new one, so readers must not trust it across a video change.
func (r *Registry) SetVideo(roomCode, videoID string) {
	r.Lock()
	if room, exists := r.rooms[roomCode]; exists {
		room.videoID = videoID
	}
	r.Unlock()
}

// SetPlaybackTime stores the last reported playback time. Last writer wins;
// a stale report delivered late overwrites a fresher one.
func (r *Registry) SetPlaybackTime(roomCode string, t float64) {
	r.Lock()
	if room, exists := r.rooms[roomCode]; exists {
		room.videoTime = t
	}
	r.Unlock()
}

// AppendEntry appends an entry to the room's log, assigning it the next
// monotonic key and a timestamp when the caller left them unset. Returns the
// entry as stored, or unchanged when the room has no state entry.
func (r *Registry) AppendEntry(roomCode string, entry model.ChatEntry) model.ChatEntry {
	r.Lock()
	defer r.Unlock()
	room, exists := r.rooms[roomCode]
	if !exists {
		return entry
	}
	if entry.Key == 0 {
		entry.Key = room.claimKey(time.Now())
	} else if entry.Key >= room.nextKey {
		room.nextKey = entry.Key + 1
	}
	if entry.Timestamp == nil && !entry.Notice {
		now := time.Now()
		entry.Timestamp = []int{now.Hour(), now.Minute(), now.Second()}
	}
	room.log = append(room.log, entry)
	if len(room.log) > MaxLogEntries {
		room.log = room.log[len(room.log)-MaxLogEntries:]
	}
	return entry
}

// ReplaceLog swaps the room's log wholesale for a client-supplied list,
// keeping only the newest MaxLogEntries. The key counter never moves
// backwards.
func (r *Registry) ReplaceLog(roomCode string, entries []model.ChatEntry) {
	r.Lock()
	defer r.Unlock()
	room, exists := r.rooms[roomCode]
	if !exists {
		return
	}
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	room.log = make([]model.ChatEntry, len(entries))
	copy(room.log, entries)
	for _, e := range entries {
		if e.Key >= room.nextKey {
			room.nextKey = e.Key + 1
		}
	}
}

// Remove drops the room's state entry.
func (r *Registry) Remove(roomCode string) {
	r.Lock()
	delete(r.rooms, roomCode)
	r.Unlock()
}

func (s *roomState) claimKey(now time.Time) int64 {
	key := now.UnixNano() / int64(time.Millisecond)
	if key < s.nextKey {
		key = s.nextKey
	}
	s.nextKey = key + 1
	return key
}
