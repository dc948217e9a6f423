package refreshtoken

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an alternative Store for deployments that keep session state
// in Redis. Keys carry a TTL of expiry plus the audit-retention window, so
// terminal records age out without an external sweeper. Mutations that read
// then write run as Lua scripts, which Redis executes atomically.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

const (
	redisTokenPrefix = "castellan:refresh:token:"
	redisUserPrefix  = "castellan:refresh:user:"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusRotated  int64 = 3
)

var rotateScript = redis.NewScript(`
local data = redis.call("HGETALL", KEYS[1])
if #data == 0 then
  return {0}
end
local rec = {}
for i = 1, #data, 2 do
  rec[data[i]] = data[i + 1]
end
if rec["revoked"] == "1" then
  return {1, rec["user_id"]}
end
if tonumber(rec["expires_at"]) <= tonumber(ARGV[1]) then
  return {2, rec["user_id"]}
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
redis.call("HSET", KEYS[2],
  "user_id", rec["user_id"],
  "expires_at", ARGV[2],
  "revoked", "0",
  "created_at", ARGV[1],
  "ip_address", ARGV[3],
  "user_agent", ARGV[4])
redis.call("EXPIRE", KEYS[2], ARGV[5])
redis.call("SADD", ARGV[6] .. rec["user_id"], ARGV[7])
return {3, rec["user_id"],
  rec["expires_at"], rec["created_at"], rec["ip_address"], rec["user_agent"]}
`)

var revokeScript = redis.NewScript(`
local revoked = redis.call("HGET", KEYS[1], "revoked")
if revoked == false then
  return 0
end
if revoked == "0" then
  redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
  return 1
end
return 0
`)

var revokeAllScript = redis.NewScript(`
local hashes = redis.call("SMEMBERS", KEYS[1])
local count = 0
for _, h in ipairs(hashes) do
  local key = ARGV[2] .. h
  local revoked = redis.call("HGET", key, "revoked")
  local expires = redis.call("HGET", key, "expires_at")
  if revoked == "0" and expires and tonumber(expires) > tonumber(ARGV[1]) then
    redis.call("HSET", key, "revoked", "1", "revoked_at", ARGV[1])
    count = count + 1
  end
end
return count
`)

func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) tokenKey(hash string) string {
	return redisTokenPrefix + hash
}

func (s *RedisStore) userKey(userID uint) string {
	return redisUserPrefix + strconv.FormatUint(uint64(userID), 10)
}

func (s *RedisStore) keyTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, record *RefreshToken) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.tokenKey(record.TokenHash),
		"user_id", strconv.FormatUint(uint64(record.UserID), 10),
		"expires_at", strconv.FormatInt(record.ExpiresAt.Unix(), 10),
		"revoked", "0",
		"created_at", strconv.FormatInt(record.CreatedAt.Unix(), 10),
		"ip_address", record.IPAddress,
		"user_agent", record.UserAgent,
	)
	pipe.Expire(ctx, s.tokenKey(record.TokenHash), s.keyTTL(record.ExpiresAt))
	pipe.SAdd(ctx, s.userKey(record.UserID), record.TokenHash)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) FindValidByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	record, err := s.FindByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if !record.Usable(time.Now()) {
		return nil, ErrTokenNotFound
	}
	return record, nil
}

func (s *RedisStore) FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}
	return recordFromFields(tokenHash, fields)
}

func (s *RedisStore) Revoke(ctx context.Context, tokenHash string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := revokeScript.Run(ctx, s.client, []string{s.tokenKey(tokenHash)}, now).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID uint) (int64, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	count, err := revokeAllScript.Run(ctx, s.client,
		[]string{s.userKey(userID)}, now, redisTokenPrefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return count, nil
}

func (s *RedisStore) ListActiveForUser(ctx context.Context, userID uint) ([]*RefreshToken, error) {
	hashes, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	now := time.Now()
	records := make([]*RefreshToken, 0, len(hashes))
	for _, hash := range hashes {
		record, err := s.FindByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				continue
			}
			return nil, err
		}
		if record.Usable(now) {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

func (s *RedisStore) Rotate(ctx context.Context, oldHash string, next *RefreshToken) (*RefreshToken, error) {
	now := time.Now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	reply, err := rotateScript.Run(ctx, s.client,
		[]string{s.tokenKey(oldHash), s.tokenKey(next.TokenHash)},
		strconv.FormatInt(now.Unix(), 10),
		strconv.FormatInt(next.ExpiresAt.Unix(), 10),
		next.IPAddress,
		next.UserAgent,
		strconv.FormatInt(int64(s.keyTTL(next.ExpiresAt).Seconds()), 10),
		redisUserPrefix,
		next.TokenHash,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	status, ok := reply[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected rotate script reply: %v", reply)
	}

	switch status {
	case rotateStatusNotFound:
		return nil, ErrTokenNotFound
	case rotateStatusRevoked:
		return nil, ErrTokenRevoked
	case rotateStatusExpired:
		return nil, ErrTokenExpired
	case rotateStatusRotated:
		old, err := oldRecordFromReply(oldHash, reply, now)
		if err != nil {
			return nil, err
		}
		next.UserID = old.UserID
		return old, nil
	default:
		return nil, fmt.Errorf("unexpected rotate status: %d", status)
	}
}

// DeleteExpired prunes user-set members whose token keys have already aged
// out; the token keys themselves are garbage-collected by Redis key TTLs.
func (s *RedisStore) DeleteExpired(ctx context.Context, _ time.Duration) (int64, error) {
	var pruned int64

	iter := s.client.Scan(ctx, 0, redisUserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		userKey := iter.Val()
		hashes, err := s.client.SMembers(ctx, userKey).Result()
		if err != nil {
			return pruned, fmt.Errorf("redis error: %w", err)
		}
		for _, hash := range hashes {
			exists, err := s.client.Exists(ctx, s.tokenKey(hash)).Result()
			if err != nil {
				return pruned, fmt.Errorf("redis error: %w", err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, userKey, hash).Err(); err != nil {
					return pruned, fmt.Errorf("redis error: %w", err)
				}
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("redis error: %w", err)
	}

	return pruned, nil
}

func recordFromFields(tokenHash string, fields map[string]string) (*RefreshToken, error) {
	userID, err := strconv.ParseUint(fields["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	record := &RefreshToken{
		UserID:    uint(userID),
		TokenHash: tokenHash,
		ExpiresAt: time.Unix(expiresAt, 0),
		Revoked:   fields["revoked"] == "1",
		CreatedAt: time.Unix(createdAt, 0),
		IPAddress: fields["ip_address"],
		UserAgent: fields["user_agent"],
	}
	if record.Revoked {
		if revokedAt, err := strconv.ParseInt(fields["revoked_at"], 10, 64); err == nil {
			t := time.Unix(revokedAt, 0)
			record.RevokedAt = &t
		}
	}
	return record, nil
}

func oldRecordFromReply(tokenHash string, reply []any, revokedAt time.Time) (*RefreshToken, error) {
	fields := map[string]string{"revoked": "1", "revoked_at": strconv.FormatInt(revokedAt.Unix(), 10)}
	names := []string{"user_id", "expires_at", "created_at", "ip_address", "user_agent"}
	for i, name := range names {
		if len(reply) > i+1 {
			if v, ok := reply[i+1].(string); ok {
				fields[name] = v
			}
		}
	}
	return recordFromFields(tokenHash, fields)
}
