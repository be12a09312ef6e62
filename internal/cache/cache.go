// Package cache holds the ordered, de-duplicated message list of the one
// conversation currently on screen. Every mutation is idempotent so that
// duplicate or reordered delivery from the real-time channel and racing
// REST responses converge on the same state.
package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

type Op int

const (
	OpAdd Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "add"
}

type Stats struct {
	Duplicates uint64
	Orphans    uint64
}

type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is safe for concurrent use. Messages are kept ordered by CreatedAt
// ascending and are unique by ID.
type Cache struct {
	mu      sync.RWMutex
	msgs    []models.Message
	index   map[string]int
	stats   Stats
	metrics *metrics.Metrics
}

func New(opts ...Option) *Cache {
	c := &Cache{index: make(map[string]int)}
	for _, o := range opts {
		o(c)
	}
	return c
}

func byCreatedAt(a, b models.Message) int {
	return a.CreatedAt.Compare(b.CreatedAt)
}

func (c *Cache) reindex() {
	clear(c.index)
	for i := range c.msgs {
		c.index[c.msgs[i].ID] = i
	}
}

// Replace installs a freshly fetched history page. Entries already cached
// but absent from the page (appended live while the fetch was in flight)
// are kept. For ids present in both, the page copy is merged with the
// cached one so live deletes, reactions and read receipts survive.
func (c *Cache) Replace(page []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(page))
	next := make([]models.Message, 0, len(page)+len(c.msgs))
	for i := range page {
		if page[i].ID == "" {
			continue
		}
		if _, dup := seen[page[i].ID]; dup {
			continue
		}
		seen[page[i].ID] = struct{}{}
		m := page[i].Clone()
		if j, ok := c.index[m.ID]; ok {
			mergeLive(&m, &c.msgs[j])
		}
		next = append(next, m)
	}
	for _, m := range c.msgs {
		if _, ok := seen[m.ID]; !ok {
			next = append(next, m)
		}
	}
	slices.SortStableFunc(next, byCreatedAt)
	c.msgs = next
	c.reindex()
}

// mergeLive folds the state a cached copy gained from real-time events into
// a fetched copy of the same message.
func mergeLive(m, live *models.Message) {
	switch {
	case live.IsDeleted():
		m.Status = models.StatusDeleted
	case live.Status == models.StatusRead && !m.IsDeleted():
		m.Status = models.StatusRead
	}
	for _, r := range live.Reactions {
		if !m.HasReaction(r.UserID, r.Emoji) {
			m.Reactions = append(m.Reactions, r)
		}
	}
	for _, rr := range live.ReadBy {
		if !slices.ContainsFunc(m.ReadBy, func(x models.ReadReceipt) bool { return x.UserID == rr.UserID }) {
			m.ReadBy = append(m.ReadBy, rr)
		}
	}
}

// Append inserts m in creation order unless its id is already cached.
// It reports whether m was inserted.
func (c *Cache) Append(m models.Message) bool {
	if m.ID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[m.ID]; ok {
		c.stats.Duplicates++
		c.metrics.Duplicate()
		return false
	}
	// after every entry created at or before m
	pos, _ := slices.BinarySearchFunc(c.msgs, m.CreatedAt, func(e models.Message, t time.Time) int {
		if e.CreatedAt.After(t) {
			return 1
		}
		return -1
	})
	c.msgs = slices.Insert(c.msgs, pos, m.Clone())
	if pos == len(c.msgs)-1 {
		c.index[m.ID] = pos
	} else {
		c.reindex()
	}
	return true
}

func (c *Cache) orphan(kind string) {
	c.stats.Orphans++
	c.metrics.Orphan(kind)
}

// ApplyReaction adds or removes the (userID, emoji) pair on a cached
// message. Adding an existing pair and removing a missing one are no-ops;
// unknown messages are dropped. It reports whether the cache changed.
func (c *Cache) ApplyReaction(messageID, userID, emoji string, op Op, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[messageID]
	if !ok {
		c.orphan("reaction")
		return false
	}
	m := &c.msgs[i]
	switch op {
	case OpAdd:
		if m.HasReaction(userID, emoji) {
			return false
		}
		m.Reactions = append(m.Reactions, models.Reaction{UserID: userID, Emoji: emoji, ReactedAt: at})
		return true
	case OpRemove:
		n := len(m.Reactions)
		m.Reactions = slices.DeleteFunc(m.Reactions, func(r models.Reaction) bool {
			return r.UserID == userID && r.Emoji == emoji
		})
		return len(m.Reactions) != n
	}
	return false
}

// MarkDeleted soft-deletes a message: it keeps its position and renders as
// a placeholder.
func (c *Cache) MarkDeleted(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[messageID]
	if !ok {
		c.orphan("delete")
		return false
	}
	if c.msgs[i].IsDeleted() {
		return false
	}
	c.msgs[i].Status = models.StatusDeleted
	return true
}

// Remove is MarkDeleted; messages never leave the ordered list.
func (c *Cache) Remove(messageID string) bool { return c.MarkDeleted(messageID) }

// ApplyRead records a read receipt, once per user.
func (c *Cache) ApplyRead(messageID, userID string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[messageID]
	if !ok {
		c.orphan("read")
		return false
	}
	m := &c.msgs[i]
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return false
		}
	}
	m.ReadBy = append(m.ReadBy, models.ReadReceipt{UserID: userID, ReadAt: at})
	if m.Status != models.StatusDeleted {
		m.Status = models.StatusRead
	}
	return true
}

func (c *Cache) Get(messageID string) (models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[messageID]
	if !ok {
		return models.Message{}, false
	}
	return c.msgs[i].Clone(), true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.msgs)
}

// Messages returns deep copies in display order.
func (c *Cache) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Message, len(c.msgs))
	for i := range c.msgs {
		out[i] = c.msgs[i].Clone()
	}
	return out
}

// Oldest returns the id of the first cached message, the cursor for
// loading older history.
func (c *Cache) Oldest() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.msgs) == 0 {
		return ""
	}
	return c.msgs[0].ID
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
