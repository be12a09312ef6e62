package sim

import (
	"encoding/json"
	"sync"

	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

// peer is one client session, over a socket or long polling.
type peer interface {
	SID() string
	UserID() string
	UserName() string
	// deliver queues a frame; false means it was dropped.
	deliver(frame []byte) bool
	close()
}

// Hub manages connected peers and conversation rooms.
type Hub struct {
	mu     sync.RWMutex
	peers  map[string]peer
	rooms  map[string]map[string]peer // conversationID -> sid -> peer
	byUser map[string]int

	// relay forwards broadcasts to other instances when set
	relay func(room, except string, frame []byte)
}

func NewHub() *Hub {
	return &Hub{
		peers:  make(map[string]peer),
		rooms:  make(map[string]map[string]peer),
		byUser: make(map[string]int),
	}
}

func (h *Hub) Register(p peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p.SID()] = p
	h.byUser[p.UserID()]++
}

// Unregister drops p from the hub and every room, returning those rooms.
func (h *Hub) Unregister(p peer) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p.SID()]; !ok {
		return nil
	}
	delete(h.peers, p.SID())
	if h.byUser[p.UserID()]--; h.byUser[p.UserID()] <= 0 {
		delete(h.byUser, p.UserID())
	}
	var left []string
	for room, members := range h.rooms {
		if _, ok := members[p.SID()]; ok {
			delete(members, p.SID())
			left = append(left, room)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	return left
}

// Join reports whether p was newly added to room.
func (h *Hub) Join(room string, p peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]peer)
		h.rooms[room] = members
	}
	if _, in := members[p.SID()]; in {
		return false
	}
	members[p.SID()] = p
	return true
}

// Leave reports whether p was in room.
func (h *Hub) Leave(room string, p peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, in := members[p.SID()]; !in {
		return false
	}
	delete(members, p.SID())
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	return true
}

func (h *Hub) InRoom(room, sid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][sid]
	return ok
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) UserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byUser[userID] > 0
}

func (h *Hub) Peer(sid string) (peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[sid]
	return p, ok
}

func frame(event string, payload any) []byte {
	env, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		return nil
	}
	b, _ := json.Marshal(env)
	return b
}

// Broadcast sends event to every member of room except the session
// except, here and on other instances.
func (h *Hub) Broadcast(room, except, event string, payload any) {
	b := frame(event, payload)
	if b == nil {
		return
	}
	h.deliverLocal(room, except, b)
	if h.relay != nil {
		h.relay(room, except, b)
	}
}

func (h *Hub) deliverLocal(room, except string, b []byte) {
	h.mu.RLock()
	targets := make([]peer, 0, len(h.rooms[room]))
	for sid, p := range h.rooms[room] {
		if sid != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range targets {
		p.deliver(b)
	}
}

// SendTo delivers event to one session.
func (h *Hub) SendTo(p peer, event string, payload any) {
	if b := frame(event, payload); b != nil {
		p.deliver(b)
	}
}

// CloseAll closes every session, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]peer, 0, len(h.peers))
	for _, p := range h.peers {
		all = append(all, p)
	}
	h.mu.RUnlock()
	for _, p := range all {
		p.close()
	}
}
