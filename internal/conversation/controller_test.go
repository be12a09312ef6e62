package conversation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
	"github.com/TPCP-Project/tpcp-chat/internal/realtime"
	"github.com/TPCP-Project/tpcp-chat/internal/utils"
)

func newController(t *testing.T, a *fakeAPI, rt *fakeRT, opts ...Option) *Controller {
	t.Helper()
	c := New(a, rt, "me", opts...)
	t.Cleanup(c.Close)
	return c
}

func TestSelectLoadsHistoryAndParticipants(t *testing.T) {
	a := &fakeAPI{
		messages: func(_ context.Context, id string, opts api.HistoryOptions) (*models.MessagePage, error) {
			assert.Equal(t, 50, opts.Limit)
			return &models.MessagePage{
				Messages:   []models.Message{msg("m2", id, 2*time.Second), msg("m1", id, time.Second)},
				Pagination: models.MessagePagination{HasMore: true},
			}, nil
		},
		participants: func(_ context.Context, id string) ([]models.Participant, error) {
			return []models.Participant{{ID: "p1", ConversationID: id}}, nil
		},
	}
	rt := newFakeRT()
	c := newController(t, a, rt)

	changes := 0
	c.OnChange(func() { changes++ })

	require.NoError(t, c.Select(context.Background(), conv("c1")))

	v := c.Snapshot()
	require.Equal(t, StateJoined, v.State)
	require.Equal(t, "c1", v.Conversation.ID)
	require.Equal(t, []string{"m1", "m2"}, ids(v.Messages))
	require.Len(t, v.Participants, 1)
	require.True(t, v.HasMore)
	require.Equal(t, []string{"join:c1"}, rt.Ops())
	require.Contains(t, a.Calls(), "read:c1")
	require.Positive(t, changes)
}

func TestSelectSwitchLeavesPreviousRoomOnce(t *testing.T) {
	rt := newFakeRT()
	c := newController(t, &fakeAPI{}, rt)
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, conv("c1")))
	require.NoError(t, c.Select(ctx, conv("c1")))
	require.NoError(t, c.Select(ctx, conv("c2")))
	require.NoError(t, c.Select(ctx, nil))

	require.Equal(t, []string{"join:c1", "leave:c1", "join:c2", "leave:c2"}, rt.Ops())
	require.Equal(t, StateUnmounted, c.State())
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	a := &fakeAPI{
		messages: func(ctx context.Context, id string, _ api.HistoryOptions) (*models.MessagePage, error) {
			if id == "c1" {
				close(started)
				<-release
				// the slow response arrives even though the request was cancelled
				return &models.MessagePage{Messages: []models.Message{msg("old", id, 0)}}, nil
			}
			return &models.MessagePage{Messages: []models.Message{msg("new", id, 0)}}, nil
		},
	}
	c := newController(t, a, newFakeRT())

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = c.Select(context.Background(), conv("c1"))
	}()
	<-started
	require.NoError(t, c.Select(context.Background(), conv("c2")))
	close(release)
	wg.Wait()

	require.ErrorIs(t, firstErr, ErrStale)
	v := c.Snapshot()
	require.Equal(t, "c2", v.Conversation.ID)
	require.Equal(t, []string{"new"}, ids(v.Messages))
	require.NotContains(t, a.Calls(), "read:c1")
}

func TestHistoryFailureThenRetry(t *testing.T) {
	fail := true
	a := &fakeAPI{
		messages: func(_ context.Context, id string, _ api.HistoryOptions) (*models.MessagePage, error) {
			if fail {
				return nil, &api.Error{StatusCode: http.StatusInternalServerError, Message: "db down"}
			}
			return &models.MessagePage{Messages: []models.Message{msg("m1", id, 0)}}, nil
		},
	}
	c := newController(t, a, newFakeRT())

	err := c.Select(context.Background(), conv("c1"))
	require.Error(t, err)
	v := c.Snapshot()
	require.Equal(t, StateError, v.State)
	require.Equal(t, "Could not load messages: db down", v.Notice)
	require.NotContains(t, a.Calls(), "read:c1")

	fail = false
	require.NoError(t, c.Retry(context.Background()))
	v = c.Snapshot()
	require.Equal(t, StateJoined, v.State)
	require.Empty(t, v.Notice)
	require.Len(t, v.Messages, 1)

	require.ErrorIs(t, c.Retry(context.Background()), ErrNotInError)
}

func TestParticipantFailureIsOnlyLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := &fakeAPI{
		participants: func(context.Context, string) ([]models.Participant, error) {
			return nil, errors.New("boom")
		},
	}
	c := newController(t, a, newFakeRT(), WithLogger(zap.New(core)))

	require.NoError(t, c.Select(context.Background(), conv("c1")))
	v := c.Snapshot()
	require.Equal(t, StateJoined, v.State)
	require.Empty(t, v.Notice)
	require.Equal(t, 1, logs.FilterMessage("participants load failed").Len())
}

func TestMarkReadFailureIsNotSurfaced(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := &fakeAPI{markRead: func(string) error { return errors.New("nope") }}
	c := newController(t, a, newFakeRT(), WithLogger(zap.New(core)))

	require.NoError(t, c.Select(context.Background(), conv("c1")))
	require.Empty(t, c.Snapshot().Notice)
	require.Equal(t, 1, logs.FilterMessage("mark as read failed").Len())
}

func TestSendGating(t *testing.T) {
	unblock := make(chan struct{})
	inFlight := make(chan struct{})
	a := &fakeAPI{
		send: func(_ context.Context, id string, req models.SendMessageRequest) (*models.Message, error) {
			close(inFlight)
			<-unblock
			return &models.Message{ID: "m9", ConversationID: id, Content: req.Content}, nil
		},
	}
	rt := newFakeRT()
	c := newController(t, a, rt)
	ctx := context.Background()

	require.ErrorIs(t, c.Send(ctx), ErrNoConversation)
	require.NoError(t, c.Select(ctx, conv("c1")))

	c.SetDraft("   ")
	require.False(t, c.CanSend())
	require.ErrorIs(t, c.Send(ctx), ErrEmptyDraft)

	c.SetDraft("  hello  ")
	require.True(t, c.CanSend())

	done := make(chan error, 1)
	go func() { done <- c.Send(ctx) }()
	<-inFlight
	require.False(t, c.CanSend())
	require.True(t, c.Snapshot().Sending)
	require.ErrorIs(t, c.Send(ctx), ErrSendInFlight)
	close(unblock)
	require.NoError(t, <-done)

	v := c.Snapshot()
	require.Empty(t, v.Draft)
	require.False(t, v.Sending)
	require.Empty(t, v.Messages, "no optimistic insert")
	require.Equal(t, "hello", a.sent[0].Content)
	require.Equal(t, models.MessageText, a.sent[0].Type)

	rt.inject(realtime.EventNewMessage, realtime.NewMessagePayload{ConversationID: "c1", Message: msg("m9", "c1", 0)})
	require.Equal(t, []string{"m9"}, ids(c.Snapshot().Messages))
}

func TestSendFailureKeepsDraft(t *testing.T) {
	a := &fakeAPI{
		send: func(context.Context, string, models.SendMessageRequest) (*models.Message, error) {
			return nil, &api.Error{StatusCode: http.StatusForbidden, Message: "Not a participant"}
		},
	}
	c := newController(t, a, newFakeRT())
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, conv("c1")))

	c.SetDraft("hi")
	require.Error(t, c.Send(ctx))
	v := c.Snapshot()
	require.Equal(t, "hi", v.Draft)
	require.Equal(t, "Could not send message: Not a participant", v.Notice)
	require.True(t, v.CanSend)

	c.DismissNotice()
	require.Empty(t, c.Snapshot().Notice)
}

func TestSendRejectsOversizedContent(t *testing.T) {
	a := &fakeAPI{}
	c := newController(t, a, newFakeRT())
	require.NoError(t, c.Select(context.Background(), conv("c1")))

	long := make([]byte, 5001)
	for i := range long {
		long[i] = 'x'
	}
	c.SetDraft(string(long))
	require.ErrorIs(t, c.Send(context.Background()), ErrInvalidMessage)
	require.Empty(t, a.sent)
}

func TestTypingBurstEmitsOneStop(t *testing.T) {
	clk := utils.NewManualClock(t0)
	rt := newFakeRT()
	c := newController(t, &fakeAPI{}, rt, WithClock(clk))
	require.NoError(t, c.Select(context.Background(), conv("c1")))

	for _, s := range []string{"h", "he", "hel", "hell", "hello"} {
		c.SetDraft(s)
		clk.Advance(300 * time.Millisecond)
	}
	require.Equal(t, 5, rt.Emitted(realtime.EventTyping))
	require.Zero(t, rt.Emitted(realtime.EventStopTyping))

	clk.Advance(700 * time.Millisecond)
	require.Equal(t, 1, rt.Emitted(realtime.EventStopTyping))

	clk.Advance(5 * time.Second)
	require.Equal(t, 1, rt.Emitted(realtime.EventStopTyping))
}

func TestSwitchFlushesPendingStopTyping(t *testing.T) {
	clk := utils.NewManualClock(t0)
	rt := newFakeRT()
	c := newController(t, &fakeAPI{}, rt, WithClock(clk))
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, conv("c1")))

	c.SetDraft("x")
	require.NoError(t, c.Select(ctx, conv("c2")))
	require.Equal(t, 1, rt.Emitted(realtime.EventStopTyping))

	clk.Advance(2 * time.Second)
	require.Equal(t, 1, rt.Emitted(realtime.EventStopTyping))
}

func TestInboundEventsOnlyTouchActiveConversation(t *testing.T) {
	a := &fakeAPI{
		messages: func(_ context.Context, id string, _ api.HistoryOptions) (*models.MessagePage, error) {
			return &models.MessagePage{Messages: []models.Message{msg("m1", id, time.Second)}}, nil
		},
	}
	rt := newFakeRT()
	c := newController(t, a, rt)
	require.NoError(t, c.Select(context.Background(), conv("c1")))

	rt.inject(realtime.EventNewMessage, realtime.NewMessagePayload{ConversationID: "other", Message: msg("x", "other", 0)})
	rt.inject(realtime.EventNewMessage, realtime.NewMessagePayload{ConversationID: "c1", Message: msg("m0", "c1", 0)})
	rt.inject(realtime.EventNewMessage, realtime.NewMessagePayload{ConversationID: "c1", Message: msg("m0", "c1", 0)})
	require.Equal(t, []string{"m0", "m1"}, ids(c.Snapshot().Messages))

	rt.inject(realtime.EventReactionAdded, realtime.ReactionPayload{ConversationID: "c1", MessageID: "m1", UserID: "u2", Emoji: "👍"})
	rt.inject(realtime.EventReactionAdded, realtime.ReactionPayload{ConversationID: "c1", MessageID: "m1", UserID: "u2", Emoji: "👍"})
	m1 := c.Snapshot().Messages[1]
	require.Len(t, m1.Reactions, 1)

	rt.inject(realtime.EventReactionRemoved, realtime.ReactionPayload{ConversationID: "c1", MessageID: "m1", UserID: "u2", Emoji: "👍"})
	require.Empty(t, c.Snapshot().Messages[1].Reactions)

	rt.inject(realtime.EventReactionAdded, realtime.ReactionPayload{ConversationID: "c1", MessageID: "ghost", UserID: "u2", Emoji: "👍"})
	rt.inject(realtime.EventMessageRead, realtime.ReadPayload{ConversationID: "c1", MessageID: "m1", UserID: "u2"})
	require.Len(t, c.Snapshot().Messages[1].ReadBy, 1)

	rt.inject(realtime.EventMessageDeleted, realtime.MessageDeletedPayload{ConversationID: "c1", MessageID: "m0"})
	v := c.Snapshot()
	require.Len(t, v.Messages, 2)
	require.True(t, v.Messages[0].IsDeleted())
}

func TestSnapshotDoesNotAlias(t *testing.T) {
	a := &fakeAPI{
		messages: func(_ context.Context, id string, _ api.HistoryOptions) (*models.MessagePage, error) {
			return &models.MessagePage{Messages: []models.Message{msg("m1", id, 0)}}, nil
		},
	}
	c := newController(t, a, newFakeRT())
	require.NoError(t, c.Select(context.Background(), conv("c1")))

	v := c.Snapshot()
	v.Messages[0].Content = "mutated"
	v.Conversation.Name = "mutated"
	again := c.Snapshot()
	require.Equal(t, "message m1", again.Messages[0].Content)
	require.Equal(t, "room c1", again.Conversation.Name)
}

func TestTypingIndicator(t *testing.T) {
	rt := newFakeRT()
	c := newController(t, &fakeAPI{}, rt)
	require.NoError(t, c.Select(context.Background(), conv("c1")))

	rt.inject(realtime.EventUserTyping, realtime.UserEventPayload{ConversationID: "c1", UserID: "me"})
	rt.inject(realtime.EventUserTyping, realtime.UserEventPayload{ConversationID: "c2", UserID: "u3"})
	require.False(t, c.Snapshot().TypingVisible)

	rt.inject(realtime.EventUserTyping, realtime.UserEventPayload{ConversationID: "c1", UserID: "u2", UserName: "Bo"})
	v := c.Snapshot()
	require.True(t, v.TypingVisible)
	require.Equal(t, "Bo", v.Typing[0].Name)

	rt.inject(realtime.EventUserStopTyping, realtime.UserEventPayload{ConversationID: "c1", UserID: "u2"})
	require.False(t, c.Snapshot().TypingVisible)

	rt.inject(realtime.EventUserTyping, realtime.UserEventPayload{ConversationID: "c1", UserID: "u2"})
	rt.setStatus(realtime.Status{State: realtime.StateReconnecting, Attempt: 1})
	v = c.Snapshot()
	require.False(t, v.TypingVisible)
	require.Equal(t, realtime.StateReconnecting, v.Connection.State)
}

func TestReactAndUnreact(t *testing.T) {
	a := &fakeAPI{}
	rt := newFakeRT()
	c := newController(t, a, rt)
	ctx := context.Background()

	require.NoError(t, c.React(ctx, "m1", "🎉"))
	require.Equal(t, 1, rt.Emitted(realtime.EventAddReaction))

	require.NoError(t, c.Unreact(ctx, "m1", "🎉"))
	require.Contains(t, a.Calls(), "unreact:m1:🎉")

	rt.mu.Lock()
	rt.emitErr = realtime.ErrNotConnected
	rt.mu.Unlock()
	require.ErrorIs(t, c.React(ctx, "m1", "🎉"), realtime.ErrNotConnected)
	require.Equal(t, "Could not add reaction: offline", c.Snapshot().Notice)
}

func TestDeleteMessage(t *testing.T) {
	a := &fakeAPI{
		messages: func(_ context.Context, id string, _ api.HistoryOptions) (*models.MessagePage, error) {
			return &models.MessagePage{Messages: []models.Message{msg("m1", id, 0)}}, nil
		},
	}
	c := newController(t, a, newFakeRT())
	ctx := context.Background()
	require.NoError(t, c.Select(ctx, conv("c1")))

	require.NoError(t, c.DeleteMessage(ctx, "m1"))
	require.True(t, c.Snapshot().Messages[0].IsDeleted())

	a.deleteErr = &api.Error{StatusCode: http.StatusForbidden, Message: "Not allowed"}
	require.Error(t, c.DeleteMessage(ctx, "m1"))
	require.Equal(t, "Could not delete message: Not allowed", c.Snapshot().Notice)
}

func TestMembershipRefetchesParticipants(t *testing.T) {
	var mu sync.Mutex
	n := 0
	a := &fakeAPI{
		participants: func(_ context.Context, id string) ([]models.Participant, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			out := make([]models.Participant, n)
			for i := range out {
				out[i].ConversationID = id
			}
			return out, nil
		},
	}
	rt := newFakeRT()
	c := newController(t, a, rt)
	require.NoError(t, c.Select(context.Background(), conv("c1")))
	require.Len(t, c.Snapshot().Participants, 1)

	rt.inject(realtime.EventJoinedConversation, realtime.UserEventPayload{ConversationID: "c1", UserID: "u5"})
	require.Eventually(t, func() bool { return len(c.Snapshot().Participants) == 2 }, time.Second, 5*time.Millisecond)

	rt.inject(realtime.EventLeftConversation, realtime.UserEventPayload{ConversationID: "elsewhere", UserID: "u5"})
	time.Sleep(20 * time.Millisecond)
	require.Len(t, c.Snapshot().Participants, 2)
}

func TestOpenDirect(t *testing.T) {
	a := &fakeAPI{direct: &models.Conversation{ID: "d1", Type: models.ConversationDirect}}
	rt := newFakeRT()
	c := newController(t, a, rt)

	got, err := c.OpenDirect(context.Background(), "u7")
	require.NoError(t, err)
	require.Equal(t, "d1", got.ID)
	require.Equal(t, "d1", c.Snapshot().Conversation.ID)
	require.Equal(t, []string{"join:d1"}, rt.Ops())
}

func TestServerErrorEventSetsNotice(t *testing.T) {
	rt := newFakeRT()
	c := newController(t, &fakeAPI{}, rt)
	rt.inject(realtime.EventError, realtime.ErrorPayload{Message: "Rate limited"})
	require.Equal(t, "Rate limited", c.Snapshot().Notice)
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	rt := newFakeRT()
	c := New(&fakeAPI{}, rt, "me")
	require.NoError(t, c.Select(context.Background(), conv("c1")))
	require.Equal(t, 1, rt.bus.Count(realtime.EventNewMessage))

	c.Close()
	c.Close()
	require.Zero(t, rt.bus.Count(realtime.EventNewMessage))
	require.Zero(t, rt.statuses.Count("status"))
	require.Equal(t, []string{"join:c1", "leave:c1"}, rt.Ops())
	require.ErrorIs(t, c.Select(context.Background(), conv("c2")), ErrClosed)
}
