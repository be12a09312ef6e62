package typing

import (
	"sync"
	"time"

	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

type User struct {
	ID    string
	Name  string
	Since time.Time
}

type TrackerOption func(*Tracker)

// WithStaleAfter expires an entry d after its last typing signal. Zero, the
// default, keeps entries until an explicit stop or Reset.
func WithStaleAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.staleAfter = d }
}

func WithClock(c utils.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithOnExpire is called, outside the lock, after a stale entry is dropped.
func WithOnExpire(fn func()) TrackerOption {
	return func(t *Tracker) { t.onExpire = fn }
}

type entry struct {
	user  User
	seq   uint64
	timer utils.Timer
}

// Tracker is the who-is-typing set of the active conversation.
type Tracker struct {
	self       string
	staleAfter time.Duration
	clock      utils.Clock
	onExpire   func()

	mu           sync.Mutex
	conversation string
	users        []*entry
	seq          uint64
}

func NewTracker(selfID string, opts ...TrackerOption) *Tracker {
	t := &Tracker{self: selfID, clock: utils.SystemClock}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetConversation switches the active conversation and clears the set.
func (t *Tracker) SetConversation(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversation = id
	t.resetLocked()
}

// Start records userID as typing. Signals for other conversations and from
// the local user are ignored. It reports whether the set changed.
func (t *Tracker) Start(conversationID, userID, userName string) bool {
	if userID == "" || userID == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.conversation || t.conversation == "" {
		return false
	}
	t.seq++
	for _, e := range t.users {
		if e.user.ID == userID {
			e.seq = t.seq
			if userName != "" {
				e.user.Name = userName
			}
			t.armLocked(e)
			return false
		}
	}
	e := &entry{user: User{ID: userID, Name: userName, Since: t.clock.Now()}, seq: t.seq}
	t.users = append(t.users, e)
	t.armLocked(e)
	return true
}

func (t *Tracker) armLocked(e *entry) {
	if t.staleAfter <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	id, seq := e.user.ID, e.seq
	e.timer = t.clock.AfterFunc(t.staleAfter, func() { t.expire(id, seq) })
}

func (t *Tracker) expire(userID string, seq uint64) {
	t.mu.Lock()
	removed := false
	for i, e := range t.users {
		if e.user.ID == userID && e.seq == seq {
			t.users = append(t.users[:i], t.users[i+1:]...)
			removed = true
			break
		}
	}
	t.mu.Unlock()
	if removed && t.onExpire != nil {
		t.onExpire()
	}
}

// Stop removes userID. It reports whether the set changed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conversationID != t.conversation {
		return false
	}
	for i, e := range t.users {
		if e.user.ID == userID {
			if e.timer != nil {
				e.timer.Stop()
			}
			t.users = append(t.users[:i], t.users[i+1:]...)
			return true
		}
	}
	return false
}

// Users returns the typing users in the order they started.
func (t *Tracker) Users() []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]User, len(t.users))
	for i, e := range t.users {
		out[i] = e.user
	}
	return out
}

// Visible reports whether the indicator should be shown.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users) > 0
}

// Reset clears the set, e.g. when the transport drops.
func (t *Tracker) Reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.users)
	t.resetLocked()
	return n > 0
}

func (t *Tracker) resetLocked() {
	for _, e := range t.users {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.users = nil
}
