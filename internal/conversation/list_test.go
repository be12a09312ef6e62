package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TPCP-Project/tpcp-chat/internal/api"
	"github.com/TPCP-Project/tpcp-chat/internal/models"
)

func listFixture() []models.Conversation {
	return []models.Conversation{
		{ID: "p1", Type: models.ConversationProject, Name: "Website Redesign", Description: "marketing site"},
		{ID: "p2", Type: models.ConversationProject, Name: "Infra", Description: "Kubernetes MIGRATION"},
		{ID: "d1", Type: models.ConversationDirect, Name: "Ana"},
	}
}

func TestListRefreshAndSearch(t *testing.T) {
	var seen []api.ListOptions
	a := &fakeAPI{
		list: func(opts api.ListOptions) (*models.ConversationPage, error) {
			seen = append(seen, opts)
			var out []models.Conversation
			for _, c := range listFixture() {
				if opts.Type == "" || c.Type == opts.Type {
					out = append(out, c)
				}
			}
			return &models.ConversationPage{Conversations: out}, nil
		},
	}
	l := NewList(a)
	ctx := context.Background()

	require.NoError(t, l.Refresh(ctx))
	require.Len(t, l.Snapshot().Conversations, 3)
	require.Equal(t, DefaultListLimit, seen[0].Limit)
	require.Equal(t, 1, seen[0].Page)

	l.SetQuery("migration")
	v := l.Snapshot()
	require.Len(t, v.Conversations, 1)
	require.Equal(t, "p2", v.Conversations[0].ID)

	l.SetQuery("")
	require.NoError(t, l.SetKind(ctx, models.ConversationDirect))
	v = l.Snapshot()
	require.Len(t, v.Conversations, 1)
	require.Equal(t, models.ConversationDirect, seen[1].Type)

	got, ok := l.Find("d1")
	require.True(t, ok)
	require.Equal(t, "Ana", got.Name)
	_, ok = l.Find("p1")
	require.False(t, ok)
}

func TestListKeepsPriorStateOnFailure(t *testing.T) {
	fail := false
	a := &fakeAPI{
		list: func(api.ListOptions) (*models.ConversationPage, error) {
			if fail {
				return nil, errors.New("offline")
			}
			return &models.ConversationPage{Conversations: listFixture()}, nil
		},
	}
	l := NewList(a)
	require.NoError(t, l.Refresh(context.Background()))

	fail = true
	require.Error(t, l.Refresh(context.Background()))
	v := l.Snapshot()
	require.Len(t, v.Conversations, 3)
	require.Equal(t, "Could not load conversations: offline", v.Notice)
	require.False(t, v.Loading)

	l.DismissNotice()
	require.Empty(t, l.Snapshot().Notice)
}

func TestListRunRefreshesOnInterval(t *testing.T) {
	a := &fakeAPI{
		list: func(api.ListOptions) (*models.ConversationPage, error) {
			return &models.ConversationPage{}, nil
		},
	}
	l := NewList(a, WithRefreshInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(a.Calls()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
