package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Presence records which users hold live sockets. Keys:
//
//	<prefix>:conn:<userID>      set of connection metadata
//	<prefix>:presence:<userID>  {"status","lastSeen"}
type Presence interface {
	Online(ctx context.Context, userID, sid string) error
	Offline(ctx context.Context, userID, sid string) error
	Get(ctx context.Context, userID string) (PresenceInfo, error)
}

type PresenceInfo struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

type connMeta struct {
	SID         string `json:"sid"`
	ConnectedAt int64  `json:"connectedAt"`
}

// RedisPresence also carries room fan-out between simulator instances.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, prefix string) *RedisPresence {
	return &RedisPresence{client: client, prefix: prefix, ttl: 24 * time.Hour}
}

func (s *RedisPresence) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, userID)
}

func (s *RedisPresence) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userID)
}

func (s *RedisPresence) setPresence(ctx context.Context, userID, status string, ttl time.Duration) error {
	b, _ := json.Marshal(PresenceInfo{Status: status, LastSeen: time.Now().Unix()})
	return s.client.Set(ctx, s.presenceKey(userID), b, ttl).Err()
}

func (s *RedisPresence) Online(ctx context.Context, userID, sid string) error {
	meta, _ := json.Marshal(connMeta{SID: sid, ConnectedAt: time.Now().Unix()})
	key := s.connKey(userID)
	if err := s.client.SAdd(ctx, key, meta).Err(); err != nil {
		return err
	}
	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return s.setPresence(ctx, userID, "online", s.ttl)
}

func (s *RedisPresence) Offline(ctx context.Context, userID, sid string) error {
	key := s.connKey(userID)
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var cm connMeta
		if json.Unmarshal([]byte(m), &cm) == nil && cm.SID == sid {
			_ = s.client.SRem(ctx, key, m).Err()
		}
	}
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil || n > 0 {
		return err
	}
	return s.setPresence(ctx, userID, "offline", 0)
}

func (s *RedisPresence) Get(ctx context.Context, userID string) (PresenceInfo, error) {
	b, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceInfo{Status: "offline"}, nil
	}
	if err != nil {
		return PresenceInfo{}, err
	}
	var out PresenceInfo
	err = json.Unmarshal(b, &out)
	return out, err
}

func (s *RedisPresence) roomChannel() string { return s.prefix + ":rooms" }

// fanoutMsg is one room broadcast relayed between instances.
type fanoutMsg struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Publish relays a room broadcast to the other instances.
func (s *RedisPresence) Publish(ctx context.Context, msg fanoutMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.roomChannel(), b).Err()
}

// Relay delivers broadcasts published by other instances until ctx is done.
func (s *RedisPresence) Relay(ctx context.Context, origin string, deliver func(fanoutMsg), log *zap.Logger) {
	sub := s.client.Subscribe(ctx, s.roomChannel())
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var fm fanoutMsg
			if err := json.Unmarshal([]byte(m.Payload), &fm); err != nil {
				log.Warn("bad fanout payload", zap.Error(err))
				continue
			}
			if fm.Origin == origin {
				continue
			}
			deliver(fm)
		}
	}
}

// localPresence answers from the hub when Redis is not configured.
type localPresence struct {
	hub *Hub
}

func (localPresence) Online(context.Context, string, string) error  { return nil }
func (localPresence) Offline(context.Context, string, string) error { return nil }

func (p localPresence) Get(_ context.Context, userID string) (PresenceInfo, error) {
	if p.hub.UserOnline(userID) {
		return PresenceInfo{Status: "online", LastSeen: time.Now().Unix()}, nil
	}
	return PresenceInfo{Status: "offline"}, nil
}
