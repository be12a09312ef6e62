package sim

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

type fakePeer struct {
	sid, user string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *fakePeer) SID() string      { return p.sid }
func (p *fakePeer) UserID() string   { return p.user }
func (p *fakePeer) UserName() string { return p.user }

func (p *fakePeer) deliver(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.frames = append(p.frames, b)
	return true
}

func (p *fakePeer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, b := range p.frames {
		var env realtime.Envelope
		if json.Unmarshal(b, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func TestHubRoomsAndBroadcast(t *testing.T) {
	h := NewHub()
	a := &fakePeer{sid: "s1", user: "u1"}
	b := &fakePeer{sid: "s2", user: "u2"}
	c := &fakePeer{sid: "s3", user: "u3"}
	for _, p := range []*fakePeer{a, b, c} {
		h.Register(p)
	}

	assert.True(t, h.Join("room", a))
	assert.False(t, h.Join("room", a), "second join is a no-op")
	assert.True(t, h.Join("room", b))
	assert.Equal(t, 2, h.RoomSize("room"))

	h.Broadcast("room", "s1", realtime.EventUserTyping, realtime.UserEventPayload{ConversationID: "room", UserID: "u1"})
	assert.Empty(t, a.events(), "sender excluded")
	assert.Equal(t, []string{realtime.EventUserTyping}, b.events())
	assert.Empty(t, c.events(), "non-members get nothing")

	assert.True(t, h.Leave("room", b))
	assert.False(t, h.Leave("room", b))
	assert.False(t, h.InRoom("room", "s2"))
}

func TestHubUnregister(t *testing.T) {
	h := NewHub()
	a := &fakePeer{sid: "s1", user: "u1"}
	a2 := &fakePeer{sid: "s2", user: "u1"}
	h.Register(a)
	h.Register(a2)
	h.Join("r1", a)
	h.Join("r2", a)

	left := h.Unregister(a)
	assert.ElementsMatch(t, []string{"r1", "r2"}, left)
	assert.Zero(t, h.RoomSize("r1"))
	assert.True(t, h.UserOnline("u1"), "another session is still connected")

	assert.Nil(t, h.Unregister(a), "unregistering twice is harmless")
	h.Unregister(a2)
	assert.False(t, h.UserOnline("u1"))
	_, ok := h.Peer("s2")
	assert.False(t, ok)
}

func TestHubRelay(t *testing.T) {
	h := NewHub()
	var relayed []string
	h.relay = func(room, except string, frame []byte) {
		relayed = append(relayed, room+"/"+except)
		var env realtime.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, realtime.EventNewMessage, env.Type)
	}
	h.Broadcast("room", "s1", realtime.EventNewMessage, realtime.NewMessagePayload{ConversationID: "room"})
	assert.Equal(t, []string{"room/s1"}, relayed)
}

func TestHubCloseAll(t *testing.T) {
	h := NewHub()
	a := &fakePeer{sid: "s1", user: "u1"}
	h.Register(a)
	h.CloseAll()
	assert.False(t, a.deliver([]byte("{}")))
}
