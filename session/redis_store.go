package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KingInYellow18/medianest/auth/refresh"
)

const (
	casStatusNotFound    int64 = 0
	casStatusExpired     int64 = 1
	casStatusMismatch    int64 = 2
	casStatusRotated     int64 = 3
	casStatusInvalidBlob int64 = 4
	casStatusRevoked     int64 = 5
)

// Shared by every script. Offsets follow the layout in encoder.go.
const luaSessionHelpers = `
local function read_be64(s, i)
  local v = 0
  for k = 0, 7 do
    local b = string.byte(s, i + k)
    if not b then
      return nil
    end
    v = v * 256 + b
  end
  return v
end

local function parse_session(data)
  if string.byte(data, 1) ~= 2 then
    return nil
  end
  local user_len = string.byte(data, 2)
  if not user_len or user_len == 0 then
    return nil
  end
  local base = 3 + user_len
  local id_len = string.byte(data, base + 65)
  if not id_len or id_len == 0 or #data ~= base + 65 + id_len then
    return nil
  end
  return {
    user_id = string.sub(data, 3, base - 1),
    flags = string.byte(data, base),
    flags_offset = base,
    hash_offset = base + 1,
    hash = string.sub(data, base + 1, base + 32),
    rotated_offset = base + 41,
    expires_at = read_be64(data, base + 49),
    revoked_offset = base + 57
  }
end

local function is_revoked(p)
  return p.flags % 4 >= 2
end

local function mark_revoked(data, p, now_be)
  local flags = p.flags
  if flags % 4 < 2 then
    flags = flags + 2
  end
  return string.sub(data, 1, p.flags_offset - 1) ..
    string.char(flags) ..
    string.sub(data, p.hash_offset, p.revoked_offset - 1) ..
    now_be ..
    string.sub(data, p.revoked_offset + 8)
end
`

const createSessionScript = luaSessionHelpers + `
local old = redis.call("GET", KEYS[1])
if old then
  local p = parse_session(old)
  if p then
    redis.call("SREM", ARGV[3] .. p.user_id, ARGV[4])
  end
end
local ttl = tonumber(ARGV[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
redis.call("SADD", KEYS[2], ARGV[4])
if redis.call("PTTL", KEYS[2]) < ttl then
  redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`

const casSessionScript = luaSessionHelpers + `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local p = parse_session(data)
if not p or not p.expires_at then
  return {4}
end
if is_revoked(p) then
  return {5, p.user_id}
end
local now = tonumber(ARGV[3])
if p.expires_at <= now then
  return {1}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {1}
end
if p.hash ~= ARGV[1] then
  redis.call("SET", KEYS[1], mark_revoked(data, p, ARGV[4]), "PX", ttl)
  return {2, p.user_id}
end
local updated = string.sub(data, 1, p.hash_offset - 1) ..
  ARGV[2] ..
  string.sub(data, p.hash_offset + 32, p.rotated_offset - 1) ..
  ARGV[4] ..
  string.sub(data, p.rotated_offset + 8)
redis.call("SET", KEYS[1], updated, "PX", ttl)
return {3, updated}
`

const revokeSessionScript = luaSessionHelpers + `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local p = parse_session(data)
if not p then
  return {4}
end
if is_revoked(p) then
  return {1, data}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {0}
end
local updated = mark_revoked(data, p, ARGV[1])
redis.call("SET", KEYS[1], updated, "PX", ttl)
return {1, updated}
`

const revokeUserScript = luaSessionHelpers + `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local data = redis.call("GET", key)
  local p = nil
  if data then
    p = parse_session(data)
  end
  if not p or p.user_id ~= ARGV[2] then
    redis.call("SREM", KEYS[1], id)
  elseif not is_revoked(p) then
    local ttl = redis.call("PTTL", key)
    if ttl > 0 then
      redis.call("SET", key, mark_revoked(data, p, ARGV[3]), "PX", ttl)
      revoked = revoked + 1
    end
  end
end
return revoked
`

var (
	createSessionLua = redis.NewScript(createSessionScript)
	casSessionLua    = redis.NewScript(casSessionScript)
	revokeSessionLua = redis.NewScript(revokeSessionScript)
	revokeUserLua    = redis.NewScript(revokeUserScript)
)

// RedisStore keeps each device session as one binary blob whose Redis TTL
// matches the session lifetime. Revoked sessions stay in place until they
// expire so a late rotation attempt is still recognised as reuse.
//
// Keys are <prefix>:d:<deviceID> for sessions and <prefix>:u:<userID> for
// the per-user device index. The index lives at least as long as the
// longest session added to it. RevokeAllForUser touches keys it derives from
// the index, so the store targets a single Redis node or a cluster with
// hash-tagged prefixes.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore. An empty prefix defaults to "ds".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ds"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) deviceKeyPrefix() string {
	return s.prefix + ":d:"
}

func (s *RedisStore) userKeyPrefix() string {
	return s.prefix + ":u:"
}

func (s *RedisStore) key(deviceID string) string {
	return s.deviceKeyPrefix() + deviceID
}

func (s *RedisStore) userKey(userID string) string {
	return s.userKeyPrefix() + userID
}

// Create stores sess with a TTL equal to its lifetime.
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	ttl := time.Duration(sess.ExpiresAt-sess.CreatedAt) * time.Second
	if ttl <= 0 {
		return errors.New("session lifetime must be positive")
	}
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = createSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sess.DeviceID), s.userKey(sess.UserID)},
		data,
		strconv.FormatInt(ttl.Milliseconds(), 10),
		s.userKeyPrefix(),
		sess.DeviceID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the stored record for deviceID.
func (s *RedisStore) Get(ctx context.Context, deviceID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.decode(deviceID, data)
}

// CompareAndSwapHash runs the rotation as a single Lua script.
func (s *RedisStore) CompareAndSwapHash(
	ctx context.Context,
	deviceID string,
	expected, next refresh.Hash,
	now time.Time,
) (*Session, error) {
	result, err := casSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(deviceID)},
		expected[:],
		next[:],
		now.Unix(),
		encodeUnix(now.Unix()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code, payload, err := scriptReply(result)
	if err != nil {
		return nil, err
	}

	switch code {
	case casStatusNotFound:
		return nil, ErrSessionNotFound
	case casStatusExpired:
		return nil, ErrSessionExpired
	case casStatusMismatch:
		return nil, &ConflictError{Err: ErrHashMismatch, DeviceID: deviceID, UserID: string(payload)}
	case casStatusRevoked:
		return nil, &ConflictError{Err: ErrSessionRevoked, DeviceID: deviceID, UserID: string(payload)}
	case casStatusRotated:
		return s.decode(deviceID, payload)
	case casStatusInvalidBlob:
		return nil, ErrSessionCorrupt
	default:
		return nil, fmt.Errorf("%w: unknown rotation status %d", ErrStoreUnavailable, code)
	}
}

// Revoke marks the device session revoked while keeping its TTL.
func (s *RedisStore) Revoke(ctx context.Context, deviceID string, now time.Time) (*Session, error) {
	result, err := revokeSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(deviceID)},
		encodeUnix(now.Unix()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code, payload, err := scriptReply(result)
	if err != nil {
		return nil, err
	}
	switch code {
	case 0:
		return nil, nil
	case 1:
		return s.decode(deviceID, payload)
	default:
		return nil, ErrSessionCorrupt
	}
}

// RevokeAllForUser revokes every indexed session of userID in one script.
func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	n, err := revokeUserLua.Run(
		ctx,
		s.redis,
		[]string{s.userKey(userID)},
		s.deviceKeyPrefix(),
		userID,
		encodeUnix(now.Unix()),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// DeviceIDs returns the indexed device ids of userID, including revoked ones.
func (s *RedisStore) DeviceIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ids, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *RedisStore) decode(deviceID string, data []byte) (*Session, error) {
	sess, err := Decode(data)
	if err != nil {
		return nil, errors.Join(ErrSessionCorrupt, err)
	}
	sess.DeviceID = deviceID
	return sess, nil
}

func scriptReply(result interface{}) (int64, []byte, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, nil, fmt.Errorf("%w: invalid script response", ErrStoreUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: invalid script status", ErrStoreUnavailable)
	}
	if len(parts) < 2 {
		return code, nil, nil
	}
	switch v := parts[1].(type) {
	case string:
		return code, []byte(v), nil
	case []byte:
		return code, v, nil
	default:
		return 0, nil, fmt.Errorf("%w: invalid script payload", ErrStoreUnavailable)
	}
}
