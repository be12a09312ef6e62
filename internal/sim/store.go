package sim

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a participant")
)

// ListQuery selects the conversations a user belongs to.
type ListQuery struct {
	UserID string
	Type   models.ConversationType
	Page   int
	Limit  int
}

// Store persists simulator state. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateConversation(ctx context.Context, c *models.Conversation, members []models.Participant) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	FindDirect(ctx context.Context, a, b string) (*models.Conversation, error)
	ListConversations(ctx context.Context, q ListQuery) ([]models.Conversation, int, error)

	AddParticipant(ctx context.Context, p models.Participant) error
	Participants(ctx context.Context, conversationID string) ([]models.Participant, error)
	Participant(ctx context.Context, conversationID, userID string) (*models.Participant, error)
	UpdateParticipant(ctx context.Context, conversationID, userID string, fn func(*models.Participant)) error

	SaveMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// Messages returns up to limit messages older than the before cursor,
	// oldest first, and whether more exist.
	Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, bool, error)
	UpdateMessage(ctx context.Context, id string, fn func(*models.Message) error) (*models.Message, error)

	Close(ctx context.Context) error
}

func directKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	convs   map[string]*models.Conversation
	direct  map[string]string
	parts   map[string][]models.Participant
	msgs    map[string]*models.Message
	byConv  map[string][]string
	perConv int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:   make(map[string]*models.Conversation),
		direct:  make(map[string]string),
		parts:   make(map[string][]models.Participant),
		msgs:    make(map[string]*models.Message),
		byConv:  make(map[string][]string),
		perConv: 1000,
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, c *models.Conversation, members []models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[c.ID] = &cp
	if c.IsDirect() && len(members) == 2 {
		s.direct[directKey(members[0].User.ID, members[1].User.ID)] = c.ID
	}
	s.parts[c.ID] = append([]models.Participant(nil), members...)
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.direct[directKey(a, b)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func (s *MemoryStore) ListConversations(_ context.Context, q ListQuery) ([]models.Conversation, int, error) {
	s.mu.RLock()
	var all []models.Conversation
	for id, c := range s.convs {
		if q.Type != "" && c.Type != q.Type {
			continue
		}
		if !activeMember(s.parts[id], q.UserID) {
			continue
		}
		all = append(all, *c)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, q.Page, q.Limit), len(all), nil
}

func activeMember(ps []models.Participant, userID string) bool {
	for i := range ps {
		if ps[i].User.ID == userID && ps[i].IsActive() {
			return true
		}
	}
	return false
}

func paginate[T any](all []T, page, limit int) []T {
	if limit <= 0 {
		return all
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(all) {
		return nil
	}
	end := min(start+limit, len(all))
	return all[start:end]
}

func (s *MemoryStore) AddParticipant(_ context.Context, p models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[p.ConversationID]; !ok {
		return ErrNotFound
	}
	ps := s.parts[p.ConversationID]
	for i := range ps {
		if ps[i].User.ID == p.User.ID {
			ps[i] = p
			return nil
		}
	}
	s.parts[p.ConversationID] = append(ps, p)
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, conversationID string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, ErrNotFound
	}
	var out []models.Participant
	for _, p := range s.parts[conversationID] {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) Participant(_ context.Context, conversationID, userID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.parts[conversationID] {
		if p.User.ID == userID && p.IsActive() {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotParticipant
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, conversationID, userID string, fn func(*models.Participant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.parts[conversationID]
	for i := range ps {
		if ps[i].User.ID == userID {
			fn(&ps[i])
			return nil
		}
	}
	return ErrNotParticipant
}

func (s *MemoryStore) SaveMessage(_ context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m.Clone()
	s.msgs[m.ID] = &cp
	ids := append(s.byConv[m.ConversationID], m.ID)
	// keep small
	if len(ids) > s.perConv {
		for _, old := range ids[:len(ids)-s.perConv] {
			delete(s.msgs, old)
		}
		ids = ids[len(ids)-s.perConv:]
	}
	s.byConv[m.ConversationID] = ids
	if c, ok := s.convs[m.ConversationID]; ok {
		at := m.CreatedAt
		c.Stats.TotalMessages++
		c.Stats.LastMessageAt = &at
		c.Stats.LastMessageBy = m.Sender.ID
		c.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.Clone()
	return &cp, nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID, before string, limit int) ([]models.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	end := len(ids)
	if before != "" {
		if i := slices.Index(ids, before); i >= 0 {
			end = i
		}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.msgs[id].Clone())
	}
	return out, start > 0, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id string, fn func(*models.Message) error) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := m.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	s.msgs[id] = &next
	out := next.Clone()
	return &out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// matchesQuery is the case-insensitive name/description search.
func matchesQuery(c *models.Conversation, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	return q == "" ||
		strings.Contains(strings.ToLower(c.Name), q) ||
		strings.Contains(strings.ToLower(c.Description), q)
}
