package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
)

type fakeAPI struct {
	mu           sync.Mutex
	calls        []string
	messages     func(ctx context.Context, id string, opts api.HistoryOptions) (*models.MessagePage, error)
	participants func(ctx context.Context, id string) ([]models.Participant, error)
	markRead     func(id string) error
	send         func(ctx context.Context, id string, req models.SendMessageRequest) (*models.Message, error)
	deleteErr    error
	direct       *models.Conversation
	sent         []models.SendMessageRequest
	list         func(opts api.ListOptions) (*models.ConversationPage, error)
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) GetMessages(ctx context.Context, id string, opts api.HistoryOptions) (*models.MessagePage, error) {
	f.record("messages:" + id)
	if f.messages != nil {
		return f.messages(ctx, id, opts)
	}
	return &models.MessagePage{}, nil
}

func (f *fakeAPI) GetParticipants(ctx context.Context, id string) ([]models.Participant, error) {
	f.record("participants:" + id)
	if f.participants != nil {
		return f.participants(ctx, id)
	}
	return nil, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, id string) error {
	f.record("read:" + id)
	if f.markRead != nil {
		return f.markRead(id)
	}
	return nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, id string, req models.SendMessageRequest) (*models.Message, error) {
	f.record("send:" + id)
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(ctx, id, req)
	}
	return &models.Message{ID: "srv", ConversationID: id, Content: req.Content}, nil
}

func (f *fakeAPI) RemoveReaction(_ context.Context, messageID, emoji string) (*models.Message, error) {
	f.record("unreact:" + messageID + ":" + emoji)
	return &models.Message{ID: messageID}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, messageID string) error {
	f.record("delete:" + messageID)
	return f.deleteErr
}

func (f *fakeAPI) GetOrCreateDirect(_ context.Context, target string) (*models.Conversation, error) {
	f.record("direct:" + target)
	return f.direct, nil
}

func (f *fakeAPI) ListConversations(_ context.Context, opts api.ListOptions) (*models.ConversationPage, error) {
	f.record("list:" + string(opts.Type))
	return f.list(opts)
}

type emitted struct {
	Event   string
	Payload any
}

// fakeRT records room and emit traffic and lets tests inject inbound events.
type fakeRT struct {
	bus      *realtime.Bus
	statuses *realtime.Bus

	mu      sync.Mutex
	status  realtime.Status
	ops     []string
	emits   []emitted
	emitErr error
}

func newFakeRT() *fakeRT {
	return &fakeRT{
		bus:      realtime.NewBus(),
		statuses: realtime.NewBus(),
		status:   realtime.Status{State: realtime.StateConnected, Transport: "websocket"},
	}
}

func (f *fakeRT) Subscribe(event string, h realtime.Handler) *realtime.Subscription {
	return f.bus.Subscribe(event, h)
}

func (f *fakeRT) OnStatus(fn func(realtime.Status)) *realtime.Subscription {
	return f.statuses.Subscribe("status", func(json.RawMessage) {
		f.mu.Lock()
		s := f.status
		f.mu.Unlock()
		fn(s)
	})
}

func (f *fakeRT) setStatus(s realtime.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.statuses.Publish("status", nil)
}

func (f *fakeRT) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{Event: event, Payload: payload})
	return nil
}

func (f *fakeRT) Join(_ context.Context, id string) error {
	f.mu.Lock()
	f.ops = append(f.ops, "join:"+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRT) Leave(_ context.Context, id string) error {
	f.mu.Lock()
	f.ops = append(f.ops, "leave:"+id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRT) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeRT) Emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeRT) inject(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.bus.Publish(event, json.RawMessage(raw))
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conv string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		Content:        "message " + id,
		Type:           models.MessageText,
		Status:         models.StatusSent,
		CreatedAt:      t0.Add(offset),
	}
}

func conv(id string) *models.Conversation {
	return &models.Conversation{ID: id, Name: "room " + id, Type: models.ConversationProject}
}

func ids(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
