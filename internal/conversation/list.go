package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

const (
	DefaultListLimit   = 20
	DefaultListRefresh = 30 * time.Second
	listTopic          = "conversation.list"
)

type ListAPI interface {
	ListConversations(ctx context.Context, opts api.ListOptions) (*models.ConversationPage, error)
}

type ListOption func(*List)

func WithListLogger(l *zap.Logger) ListOption { return func(s *List) { s.log = logger.OrNop(l) } }

func WithListLimit(n int) ListOption {
	return func(s *List) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithRefreshInterval(d time.Duration) ListOption {
	return func(s *List) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// ListView is a copy of the list state.
type ListView struct {
	Conversations []models.Conversation
	Pagination    models.ConversationPagination
	Kind          models.ConversationType
	Query         string
	Loading       bool
	Notice        string
}

// List is the sidebar of conversations the user belongs to.
type List struct {
	api     ListAPI
	log     *zap.Logger
	limit   int
	refresh time.Duration
	changes *realtime.Bus

	mu         sync.Mutex
	all        []models.Conversation
	pagination models.ConversationPagination
	kind       models.ConversationType
	query      string
	page       int
	loading    bool
	notice     string
}

func NewList(a ListAPI, opts ...ListOption) *List {
	l := &List{
		api:     a,
		log:     zap.NewNop(),
		limit:   DefaultListLimit,
		refresh: DefaultListRefresh,
		changes: realtime.NewBus(),
		page:    1,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *List) OnChange(fn func()) *realtime.Subscription {
	return l.changes.Subscribe(listTopic, func(json.RawMessage) { fn() })
}

func (l *List) notify() { l.changes.Publish(listTopic, nil) }

// Refresh fetches the current page. On failure the previous conversations
// stay visible and a notice is set.
func (l *List) Refresh(ctx context.Context) error {
	l.mu.Lock()
	opts := api.ListOptions{Type: l.kind, Page: l.page, Limit: l.limit}
	l.loading = true
	l.mu.Unlock()
	l.notify()

	page, err := l.api.ListConversations(ctx, opts)

	l.mu.Lock()
	l.loading = false
	stale := opts.Type != l.kind || opts.Page != l.page
	switch {
	case stale:
	case err != nil:
		l.notice = noticeFor("Could not load conversations", err)
	default:
		l.all = page.Conversations
		l.pagination = page.Pagination
		l.notice = ""
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("conversation list refresh failed", zap.Error(err))
	}
	l.notify()
	return err
}

// SetKind filters by conversation type; empty means all. It refetches from
// the first page.
func (l *List) SetKind(ctx context.Context, kind models.ConversationType) error {
	l.mu.Lock()
	l.kind = kind
	l.page = 1
	l.mu.Unlock()
	return l.Refresh(ctx)
}

func (l *List) SetPage(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	l.mu.Lock()
	l.page = page
	l.mu.Unlock()
	return l.Refresh(ctx)
}

// SetQuery filters locally, without a request.
func (l *List) SetQuery(q string) {
	l.mu.Lock()
	l.query = q
	l.mu.Unlock()
	l.notify()
}

func matches(c *models.Conversation, q string) bool {
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(c.Name), q) ||
		strings.Contains(strings.ToLower(c.Description), q)
}

func (l *List) Snapshot() ListView {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(l.query))
	v := ListView{
		Pagination: l.pagination,
		Kind:       l.kind,
		Query:      l.query,
		Loading:    l.loading,
		Notice:     l.notice,
	}
	for i := range l.all {
		if matches(&l.all[i], q) {
			v.Conversations = append(v.Conversations, l.all[i])
		}
	}
	return v
}

// Find returns the listed conversation with id.
func (l *List) Find(id string) (*models.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.all {
		if l.all[i].ID == id {
			c := l.all[i]
			return &c, true
		}
	}
	return nil, false
}

func (l *List) DismissNotice() {
	l.mu.Lock()
	l.notice = ""
	l.mu.Unlock()
	l.notify()
}

// Run refreshes immediately and then on every tick until ctx is done.
func (l *List) Run(ctx context.Context) error {
	_ = l.Refresh(ctx)
	t := time.NewTicker(l.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_ = l.Refresh(ctx)
		}
	}
}
