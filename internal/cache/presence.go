// Package cache mirrors live presence into Redis so other processes can see
// who is in a room and where their cursors are.
package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/roomsync/internal/protocol"
)

const DefaultTTL = 30 * time.Second

// Member is a live session as seen through the mirror.
type Member struct {
	SessionID string                    `json:"sid"`
	Cursor    *protocol.PresenceUpdated `json:"cursor,omitempty"`
}

type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, now: time.Now}
}

// SetCursor refreshes the session's membership and stores its latest cursor.
// Membership uses a sorted set scored by expiry so stale sessions of a
// crashed process age out.
func (p *RedisPresence) SetCursor(ctx context.Context, projectID string, u protocol.PresenceUpdated) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	expireAt := p.now().Add(p.ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(projectID), redis.Z{Score: float64(expireAt), Member: u.SessionID})
	tx.HSet(ctx, usersKey(projectID), u.SessionID, u.UserID)
	tx.Set(ctx, cursorKey(projectID, u.SessionID), data, p.ttl)
	_, err = tx.Exec(ctx)
	return err
}

// Touch renews the session's membership and keeps its last cursor alive. A
// session that never moved its cursor is listed without one.
func (p *RedisPresence) Touch(ctx context.Context, projectID, sessionID, userID string) error {
	expireAt := p.now().Add(p.ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(projectID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, usersKey(projectID), sessionID, userID)
	tx.Expire(ctx, cursorKey(projectID, sessionID), p.ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) RemoveSession(ctx context.Context, projectID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(projectID), sessionID)
	tx.HDel(ctx, usersKey(projectID), sessionID)
	tx.Del(ctx, cursorKey(projectID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Members drops expired sessions and returns the live ones with their last
// known cursor.
func (p *RedisPresence) Members(ctx context.Context, projectID string) ([]Member, error) {
	now := p.now().Unix()
	err := pruneScript.Run(ctx, p.rdb, []string{roomKey(projectID), usersKey(projectID)}, now).Err()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(projectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, sid := range ids {
		keys[i] = cursorKey(projectID, sid)
	}
	raw, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]Member, 0, len(ids))
	for i, sid := range ids {
		m := Member{SessionID: sid}
		if s, ok := raw[i].(string); ok {
			var u protocol.PresenceUpdated
			if json.Unmarshal([]byte(s), &u) == nil {
				m.Cursor = &u
			}
		}
		members = append(members, m)
	}
	return members, nil
}
