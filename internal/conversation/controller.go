package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/cache"
	"github.com/TPCP-Project/tpcp-chat/internal/logger"
	"github.com/TPCP-Project/tpcp-chat/internal/metrics"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
	"github.com/TPCP-Project/tpcp-chat/internal/typing"
	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

const changeTopic = "conversation.change"

// API is the slice of the REST client the controller uses.
type API interface {
	GetMessages(ctx context.Context, conversationID string, opts api.HistoryOptions) (*models.MessagePage, error)
	GetParticipants(ctx context.Context, conversationID string) ([]models.Participant, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, req models.SendMessageRequest) (*models.Message, error)
	RemoveReaction(ctx context.Context, messageID, emoji string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	GetOrCreateDirect(ctx context.Context, targetUserID string) (*models.Conversation, error)
}

// Realtime is the slice of the transport manager the controller uses.
type Realtime interface {
	realtime.Subscriber
	OnStatus(fn func(realtime.Status)) *realtime.Subscription
	Emit(ctx context.Context, event string, payload any) error
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option { return func(c *Controller) { c.log = logger.OrNop(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithClock(clk utils.Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithTypingQuietInterval sets the delay between the last keystroke and
// stop_typing.
func WithTypingQuietInterval(d time.Duration) Option {
	return func(c *Controller) { c.quiet = d }
}

// WithTypingStaleAfter enables expiry of remote typing entries.
func WithTypingStaleAfter(d time.Duration) Option {
	return func(c *Controller) { c.staleAfter = d }
}

// Controller drives the one conversation on screen: history and
// participants over REST, the real-time room, the message cache, typing
// state and the composer.
type Controller struct {
	api        API
	rt         Realtime
	self       string
	log        *zap.Logger
	metrics    *metrics.Metrics
	clock      utils.Clock
	pageSize   int
	quiet      time.Duration
	staleAfter time.Duration

	tracker *typing.Tracker
	changes *realtime.Bus
	subs    []*realtime.Subscription

	// serializes the leave/join pair of concurrent selections
	selectMu sync.Mutex

	mu           sync.Mutex
	state        State
	conv         *models.Conversation
	joined       string
	gen          uint64
	cancel       context.CancelFunc
	cache        *cache.Cache
	participants []models.Participant
	hasMore      bool
	draft        string
	sending      bool
	notice       string
	loadErr      error
	conn         realtime.Status
	debouncer    *typing.Debouncer
	closed       bool
}

func New(a API, rt Realtime, selfID string, opts ...Option) *Controller {
	c := &Controller{
		api:      a,
		rt:       rt,
		self:     selfID,
		log:      zap.NewNop(),
		clock:    utils.SystemClock,
		pageSize: 50,
		quiet:    typing.DefaultQuietInterval,
		changes:  realtime.NewBus(),
	}
	for _, o := range opts {
		o(c)
	}
	c.cache = cache.New(cache.WithMetrics(c.metrics))
	c.tracker = typing.NewTracker(selfID,
		typing.WithClock(c.clock),
		typing.WithStaleAfter(c.staleAfter),
		typing.WithOnExpire(c.notify),
	)
	c.subscribe()
	return c
}

func (c *Controller) subscribe() {
	c.subs = append(c.subs,
		realtime.On(c.rt, realtime.EventNewMessage, c.onNewMessage),
		realtime.On(c.rt, realtime.EventUserTyping, c.onUserTyping),
		realtime.On(c.rt, realtime.EventUserStopTyping, c.onUserStopTyping),
		realtime.On(c.rt, realtime.EventReactionAdded, func(p realtime.ReactionPayload) { c.onReaction(p, cache.OpAdd) }),
		realtime.On(c.rt, realtime.EventReactionRemoved, func(p realtime.ReactionPayload) { c.onReaction(p, cache.OpRemove) }),
		realtime.On(c.rt, realtime.EventMessageDeleted, c.onMessageDeleted),
		realtime.On(c.rt, realtime.EventMessageRead, c.onMessageRead),
		realtime.On(c.rt, realtime.EventJoinedConversation, c.onMembership),
		realtime.On(c.rt, realtime.EventLeftConversation, c.onMembership),
		realtime.On(c.rt, realtime.EventError, c.onServerError),
		c.rt.OnStatus(c.onStatus),
	)
}

// OnChange registers a render hook called after every visible change.
func (c *Controller) OnChange(fn func()) *realtime.Subscription {
	return c.changes.Subscribe(changeTopic, func(json.RawMessage) { fn() })
}

func (c *Controller) notify() { c.changes.Publish(changeTopic, nil) }

// Select shows conv, or nothing when conv is nil. The previous room is left
// exactly once and the previous load is cancelled; results of a superseded
// load are discarded. It blocks until the history load finishes and
// returns its error; a superseded load returns ErrStale.
func (c *Controller) Select(ctx context.Context, conv *models.Conversation) error {
	c.selectMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.selectMu.Unlock()
		return ErrClosed
	}
	if conv != nil && c.conv != nil && c.conv.ID == conv.ID && c.state != StateError {
		c.mu.Unlock()
		c.selectMu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	prevRoom := c.joined
	prevDeb := c.debouncer
	c.debouncer = nil
	c.gen++
	gen := c.gen
	c.cache = cache.New(cache.WithMetrics(c.metrics))
	c.participants = nil
	c.hasMore = false
	c.loadErr = nil
	c.draft = ""
	c.sending = false
	c.joined = ""

	if conv == nil {
		c.conv = nil
		c.state = StateUnmounted
		c.tracker.SetConversation("")
		c.mu.Unlock()
		c.switchRooms(ctx, prevDeb, prevRoom, "")
		c.selectMu.Unlock()
		c.notify()
		return nil
	}

	cp := *conv
	c.conv = &cp
	id := cp.ID
	c.state = StateLoading
	c.joined = id
	c.tracker.SetConversation(id)
	c.debouncer = c.newDebouncer(id)
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.switchRooms(ctx, prevDeb, prevRoom, id)
	c.selectMu.Unlock()
	c.notify()

	return c.load(loadCtx, gen, id)
}

func (c *Controller) switchRooms(ctx context.Context, prevDeb *typing.Debouncer, prevRoom, nextRoom string) {
	if prevDeb != nil {
		prevDeb.Flush()
	}
	if prevRoom != "" {
		if err := c.rt.Leave(ctx, prevRoom); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			c.log.Warn("leave room failed", zap.String("conversation_id", prevRoom), zap.Error(err))
		}
	}
	if nextRoom != "" {
		// the manager keeps the reference while offline and joins on connect
		if err := c.rt.Join(ctx, nextRoom); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			c.log.Warn("join room failed", zap.String("conversation_id", nextRoom), zap.Error(err))
		}
	}
}

func (c *Controller) newDebouncer(id string) *typing.Debouncer {
	emit := func(event string) func() {
		return func() {
			err := c.rt.Emit(context.Background(), event, realtime.RoomPayload{ConversationID: id})
			if err != nil {
				c.log.Debug("typing signal dropped", zap.String("event", event), zap.Error(err))
			}
		}
	}
	return typing.NewDebouncer(c.quiet, c.clock, emit(realtime.EventTyping), emit(realtime.EventStopTyping))
}

// currentLocked reports whether gen/id still name the active selection.
func (c *Controller) currentLocked(gen uint64, id string) bool {
	return gen == c.gen && c.conv != nil && c.conv.ID == id
}

func (c *Controller) load(ctx context.Context, gen uint64, id string) error {
	var (
		page     *models.MessagePage
		parts    []models.Participant
		partsErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := c.api.GetMessages(gctx, id, api.HistoryOptions{Limit: c.pageSize})
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	g.Go(func() error {
		ps, err := c.api.GetParticipants(gctx, id)
		if err != nil {
			partsErr = err
			return nil
		}
		parts = ps
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	if !c.currentLocked(gen, id) {
		c.mu.Unlock()
		c.log.Debug("discarding stale load", zap.String("conversation_id", id))
		return ErrStale
	}
	if err != nil {
		c.state = StateError
		c.loadErr = err
		c.notice = noticeFor("Could not load messages", err)
		c.mu.Unlock()
		c.log.Warn("history load failed", zap.String("conversation_id", id), zap.Error(err))
		c.notify()
		return err
	}
	if partsErr != nil {
		c.log.Warn("participants load failed", zap.String("conversation_id", id), zap.Error(partsErr))
	} else {
		c.participants = parts
	}
	if page != nil {
		c.cache.Replace(page.Messages)
		c.hasMore = page.Pagination.HasMore
	}
	c.state = StateJoined
	c.mu.Unlock()
	c.notify()

	if err := c.api.MarkRead(ctx, id); err != nil {
		c.log.Warn("mark as read failed", zap.String("conversation_id", id), zap.Error(err))
	}
	return nil
}

// Retry reloads after a failed load. It never fires on its own.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateError || c.conv == nil {
		c.mu.Unlock()
		return ErrNotInError
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	id := c.conv.ID
	c.state = StateLoading
	c.loadErr = nil
	c.notice = ""
	loadCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	c.notify()
	return c.load(loadCtx, gen, id)
}

// LoadOlder fetches the page before the oldest cached message.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	if c.conv == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	gen, id, mc := c.gen, c.conv.ID, c.cache
	c.mu.Unlock()

	page, err := c.api.GetMessages(ctx, id, api.HistoryOptions{Limit: c.pageSize, Before: mc.Oldest()})
	c.mu.Lock()
	if !c.currentLocked(gen, id) {
		c.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		c.notice = noticeFor("Could not load older messages", err)
		c.mu.Unlock()
		c.notify()
		return err
	}
	mc.Replace(page.Messages)
	c.hasMore = page.Pagination.HasMore
	c.mu.Unlock()
	c.notify()
	return nil
}

// SetDraft records the composer text. Every call counts as a keystroke.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	deb := c.debouncer
	c.mu.Unlock()
	if deb != nil {
		deb.Keystroke()
	}
	c.notify()
}

func (c *Controller) canSendLocked() bool {
	return c.conv != nil && !c.sending && strings.TrimSpace(c.draft) != ""
}

// CanSend reports whether the send affordance is enabled.
func (c *Controller) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSendLocked()
}

// Send posts the draft over REST. Nothing is inserted locally: the message
// shows up when its new_message event arrives.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	if c.conv == nil {
		c.mu.Unlock()
		return ErrNoConversation
	}
	if c.sending {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	content := strings.TrimSpace(c.draft)
	if content == "" {
		c.mu.Unlock()
		return ErrEmptyDraft
	}
	req := models.SendMessageRequest{Content: content, Type: models.MessageText}
	if err := utils.Validate(req); err != nil {
		c.notice = err.Error()
		c.mu.Unlock()
		c.notify()
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	c.sending = true
	gen, id, deb := c.gen, c.conv.ID, c.debouncer
	c.mu.Unlock()
	c.notify()

	if deb != nil {
		deb.Flush()
	}
	_, err := c.api.SendMessage(ctx, id, req)

	c.mu.Lock()
	if c.currentLocked(gen, id) {
		c.sending = false
		if err == nil {
			c.draft = ""
		} else {
			c.notice = noticeFor("Could not send message", err)
		}
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("send failed", zap.String("conversation_id", id), zap.Error(err))
	}
	c.notify()
	return err
}

// React emits add_reaction; the cache changes when reaction_added arrives.
func (c *Controller) React(ctx context.Context, messageID, emoji string) error {
	err := c.rt.Emit(ctx, realtime.EventAddReaction, realtime.ReactionPayload{MessageID: messageID, Emoji: emoji})
	if err != nil {
		c.setNotice(noticeFor("Could not add reaction", err))
	}
	return err
}

// Unreact removes a reaction over REST.
func (c *Controller) Unreact(ctx context.Context, messageID, emoji string) error {
	if _, err := c.api.RemoveReaction(ctx, messageID, emoji); err != nil {
		c.setNotice(noticeFor("Could not remove reaction", err))
		return err
	}
	return nil
}

// DeleteMessage soft-deletes over REST and then marks the cached copy.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	gen, mc := c.gen, c.cache
	c.mu.Unlock()

	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		c.setNotice(noticeFor("Could not delete message", err))
		c.log.Warn("delete failed", zap.String("message_id", messageID), zap.Error(err))
		return err
	}
	c.mu.Lock()
	changed := gen == c.gen && mc.MarkDeleted(messageID)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return nil
}

// OpenDirect gets or creates the direct conversation with targetUserID and
// selects it.
func (c *Controller) OpenDirect(ctx context.Context, targetUserID string) (*models.Conversation, error) {
	conv, err := c.api.GetOrCreateDirect(ctx, targetUserID)
	if err != nil {
		c.setNotice(noticeFor("Could not open conversation", err))
		return nil, err
	}
	return conv, c.Select(ctx, conv)
}

func (c *Controller) setNotice(msg string) {
	c.mu.Lock()
	c.notice = msg
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) DismissNotice() {
	c.mu.Lock()
	changed := c.notice != ""
	c.notice = ""
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a deep copy of the view state.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{
		State:         c.state,
		Messages:      c.cache.Messages(),
		Participants:  append([]models.Participant(nil), c.participants...),
		Typing:        c.tracker.Users(),
		TypingVisible: c.tracker.Visible(),
		Connection:    c.conn,
		Draft:         c.draft,
		Sending:       c.sending,
		CanSend:       c.canSendLocked(),
		HasMore:       c.hasMore,
		Notice:        c.notice,
		Err:           c.loadErr,
	}
	if c.conv != nil {
		cp := *c.conv
		v.Conversation = &cp
	}
	return v
}

// Close leaves the current room and releases the event subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	_ = c.Select(context.Background(), nil)

	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// activeCache returns the cache if id is the active conversation.
func (c *Controller) activeCache(id string) *cache.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil || c.conv.ID != id {
		return nil
	}
	return c.cache
}

func (c *Controller) onNewMessage(p realtime.NewMessagePayload) {
	id := p.ConversationID
	if id == "" {
		id = p.Message.ConversationID
	}
	if mc := c.activeCache(id); mc != nil && mc.Append(p.Message) {
		c.notify()
	}
}

func (c *Controller) onUserTyping(p realtime.UserEventPayload) {
	if c.tracker.Start(p.ConversationID, p.UserID, p.UserName) {
		c.notify()
	}
}

func (c *Controller) onUserStopTyping(p realtime.UserEventPayload) {
	if c.tracker.Stop(p.ConversationID, p.UserID) {
		c.notify()
	}
}

func (c *Controller) onReaction(p realtime.ReactionPayload, op cache.Op) {
	mc := c.activeCache(p.ConversationID)
	if mc == nil {
		return
	}
	if mc.ApplyReaction(p.MessageID, p.UserID, p.Emoji, op, c.clock.Now()) {
		c.notify()
	}
}

func (c *Controller) onMessageDeleted(p realtime.MessageDeletedPayload) {
	if mc := c.activeCache(p.ConversationID); mc != nil && mc.MarkDeleted(p.MessageID) {
		c.notify()
	}
}

func (c *Controller) onMessageRead(p realtime.ReadPayload) {
	mc := c.activeCache(p.ConversationID)
	if mc == nil {
		return
	}
	at := p.ReadAt
	if at.IsZero() {
		at = c.clock.Now()
	}
	if mc.ApplyRead(p.MessageID, p.UserID, at) {
		c.notify()
	}
}

// onMembership refetches participants when someone joins or leaves.
func (c *Controller) onMembership(p realtime.UserEventPayload) {
	c.mu.Lock()
	if c.conv == nil || c.conv.ID != p.ConversationID {
		c.mu.Unlock()
		return
	}
	gen, id := c.gen, c.conv.ID
	c.mu.Unlock()

	go func() {
		parts, err := c.api.GetParticipants(context.Background(), id)
		if err != nil {
			c.log.Warn("participants refresh failed", zap.String("conversation_id", id), zap.Error(err))
			return
		}
		c.mu.Lock()
		if !c.currentLocked(gen, id) {
			c.mu.Unlock()
			return
		}
		c.participants = parts
		c.mu.Unlock()
		c.notify()
	}()
}

func (c *Controller) onServerError(p realtime.ErrorPayload) {
	if p.Message != "" {
		c.setNotice(p.Message)
	}
}

func (c *Controller) onStatus(s realtime.Status) {
	c.mu.Lock()
	c.conn = s
	c.mu.Unlock()
	if s.State != realtime.StateConnected {
		// typers on a dropped connection never send stop_typing
		c.tracker.Reset()
	}
	c.notify()
}

func noticeFor(prefix string, err error) string {
	var ae *api.Error
	if errors.As(err, &ae) {
		return prefix + ": " + ae.Message
	}
	if errors.Is(err, realtime.ErrNotConnected) {
		return prefix + ": offline"
	}
	return prefix + ": " + err.Error()
}
