package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/braybrandon/rbacauth/permission"
	"github.com/redis/go-redis/v9"
)

// Masks are at most 32 bits, well inside Lua's exact integer range.
const borLua = `
local function bor(a, b)
  local r, p = 0, 1
  while a > 0 or b > 0 do
    local x, y = a % 2, b % 2
    if x == 1 or y == 1 then
      r = r + p
    end
    a = (a - x) / 2
    b = (b - y) / 2
    p = p * 2
  end
  return r
end
`

// KEYS: state, masks, keys, feature index. ARGV: feature, mask, feature key, role.
var mergeScript = redis.NewScript(borLua + `
local gen = redis.call("HINCRBY", KEYS[1], "gen", 1)
local add = tonumber(ARGV[2])
if redis.call("HGET", KEYS[1], "computed") == "1" and add ~= 0 then
  local cur = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
  redis.call("HSET", KEYS[2], ARGV[1], bor(cur, add))
  if ARGV[3] ~= "" then
    redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
  end
  redis.call("SADD", KEYS[4], ARGV[4])
end
return gen
`)

// KEYS: state, masks, keys. ARGV: prefix, role, gen, then (feature, mask, key) triples.
var storeRoleScript = redis.NewScript(`
local gen = tonumber(redis.call("HGET", KEYS[1], "gen") or "0")
if gen ~= tonumber(ARGV[3]) then
  return 0
end
for _, fid in ipairs(redis.call("HKEYS", KEYS[2])) do
  redis.call("SREM", ARGV[1] .. ":pcf:" .. fid, ARGV[2])
end
redis.call("DEL", KEYS[2], KEYS[3])
local i = 4
while i + 2 <= #ARGV do
  local fid, mask, key = ARGV[i], ARGV[i + 1], ARGV[i + 2]
  if tonumber(mask) ~= 0 then
    redis.call("HSET", KEYS[2], fid, mask)
    if key ~= "" then
      redis.call("HSET", KEYS[3], fid, key)
    end
    redis.call("SADD", ARGV[1] .. ":pcf:" .. fid, ARGV[2])
  end
  i = i + 3
end
redis.call("HSET", KEYS[1], "computed", "1")
return 1
`)

// KEYS: state, masks, keys, feature index. ARGV: role, gen, feature, mask, key.
var storeFeatureScript = redis.NewScript(`
local gen = tonumber(redis.call("HGET", KEYS[1], "gen") or "0")
if gen ~= tonumber(ARGV[2]) then
  return 0
end
if redis.call("HGET", KEYS[1], "computed") ~= "1" then
  return 1
end
if tonumber(ARGV[4]) == 0 then
  redis.call("HDEL", KEYS[2], ARGV[3])
  redis.call("HDEL", KEYS[3], ARGV[3])
  redis.call("SREM", KEYS[4], ARGV[1])
  return 1
end
redis.call("HSET", KEYS[2], ARGV[3], ARGV[4])
if ARGV[5] ~= "" then
  redis.call("HSET", KEYS[3], ARGV[3], ARGV[5])
end
redis.call("SADD", KEYS[4], ARGV[1])
return 1
`)

// KEYS: state, masks, keys. ARGV: prefix, role.
var invalidateScript = redis.NewScript(`
redis.call("HINCRBY", KEYS[1], "gen", 1)
redis.call("HSET", KEYS[1], "computed", "0")
for _, fid in ipairs(redis.call("HKEYS", KEYS[2])) do
  redis.call("SREM", ARGV[1] .. ":pcf:" .. fid, ARGV[2])
end
redis.call("DEL", KEYS[2], KEYS[3])
return 1
`)

// CacheStore is a Redis permission.CacheStore.
type CacheStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCacheStore returns a CacheStore on client. An empty prefix means "rbac".
func NewCacheStore(client redis.UniversalClient, prefix string) *CacheStore {
	if prefix == "" {
		prefix = "rbac"
	}
	return &CacheStore{redis: client, prefix: prefix}
}

func (s *CacheStore) roleKeys(roleID int64) (state, masks, keys string) {
	base := s.prefix + ":pc:" + strconv.FormatInt(roleID, 10)
	return base + ":s", base + ":m", base + ":k"
}

func (s *CacheStore) featureKey(featureID int64) string {
	return s.prefix + ":pcf:" + strconv.FormatInt(featureID, 10)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", permission.ErrCacheUnavailable, err)
}

func (s *CacheStore) Load(ctx context.Context, roleID int64) (permission.RoleState, error) {
	stateKey, masksKey, keysKey := s.roleKeys(roleID)

	var stateCmd, masksCmd, keysCmd *redis.MapStringStringCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		stateCmd = pipe.HGetAll(ctx, stateKey)
		masksCmd = pipe.HGetAll(ctx, masksKey)
		keysCmd = pipe.HGetAll(ctx, keysKey)
		return nil
	})
	if err != nil {
		return permission.RoleState{}, unavailable(err)
	}

	state := stateCmd.Val()
	var st permission.RoleState
	if g, ok := state["gen"]; ok {
		gen, err := strconv.ParseUint(g, 10, 64)
		if err != nil {
			return permission.RoleState{}, fmt.Errorf("%w: corrupt generation for role %d", permission.ErrCacheUnavailable, roleID)
		}
		st.Generation = gen
	}
	st.Computed = state["computed"] == "1"
	if !st.Computed {
		return st, nil
	}

	names := keysCmd.Val()
	st.Entries = make([]permission.Entry, 0, len(masksCmd.Val()))
	for fid, raw := range masksCmd.Val() {
		featureID, err := strconv.ParseInt(fid, 10, 64)
		if err != nil {
			return permission.RoleState{}, fmt.Errorf("%w: corrupt feature id %q", permission.ErrCacheUnavailable, fid)
		}
		mask, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return permission.RoleState{}, fmt.Errorf("%w: corrupt mask for feature %d", permission.ErrCacheUnavailable, featureID)
		}
		st.Entries = append(st.Entries, permission.Entry{
			FeatureID:  featureID,
			FeatureKey: names[fid],
			Mask:       permission.Mask(mask),
		})
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].FeatureID < st.Entries[j].FeatureID })
	return st, nil
}

func (s *CacheStore) Bump(ctx context.Context, roleID int64) (uint64, error) {
	stateKey, _, _ := s.roleKeys(roleID)
	gen, err := s.redis.HIncrBy(ctx, stateKey, "gen", 1).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return uint64(gen), nil
}

func (s *CacheStore) Merge(ctx context.Context, roleID int64, e permission.Entry) (uint64, error) {
	stateKey, masksKey, keysKey := s.roleKeys(roleID)
	gen, err := mergeScript.Run(ctx, s.redis,
		[]string{stateKey, masksKey, keysKey, s.featureKey(e.FeatureID)},
		strconv.FormatInt(e.FeatureID, 10),
		strconv.FormatUint(uint64(e.Mask), 10),
		e.FeatureKey,
		strconv.FormatInt(roleID, 10),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return uint64(gen), nil
}

func (s *CacheStore) StoreRole(ctx context.Context, roleID int64, gen uint64, entries []permission.Entry) (bool, error) {
	stateKey, masksKey, keysKey := s.roleKeys(roleID)
	args := make([]interface{}, 0, 3+3*len(entries))
	args = append(args, s.prefix, strconv.FormatInt(roleID, 10), strconv.FormatUint(gen, 10))
	for _, e := range entries {
		args = append(args,
			strconv.FormatInt(e.FeatureID, 10),
			strconv.FormatUint(uint64(e.Mask), 10),
			e.FeatureKey,
		)
	}
	ok, err := storeRoleScript.Run(ctx, s.redis, []string{stateKey, masksKey, keysKey}, args...).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return ok == 1, nil
}

func (s *CacheStore) StoreFeature(ctx context.Context, roleID int64, gen uint64, e permission.Entry) (bool, error) {
	stateKey, masksKey, keysKey := s.roleKeys(roleID)
	ok, err := storeFeatureScript.Run(ctx, s.redis,
		[]string{stateKey, masksKey, keysKey, s.featureKey(e.FeatureID)},
		strconv.FormatInt(roleID, 10),
		strconv.FormatUint(gen, 10),
		strconv.FormatInt(e.FeatureID, 10),
		strconv.FormatUint(uint64(e.Mask), 10),
		e.FeatureKey,
	).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return ok == 1, nil
}

func (s *CacheStore) Invalidate(ctx context.Context, roleID int64) error {
	stateKey, masksKey, keysKey := s.roleKeys(roleID)
	if err := invalidateScript.Run(ctx, s.redis, []string{stateKey, masksKey, keysKey}, s.prefix, strconv.FormatInt(roleID, 10)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *CacheStore) RolesWithFeature(ctx context.Context, featureID int64) ([]int64, error) {
	members, err := s.redis.SMembers(ctx, s.featureKey(featureID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *CacheStore) Clear(ctx context.Context) (int, error) {
	pattern := s.prefix + ":pc:*:s"
	iter := s.redis.Scan(ctx, 0, pattern, 256).Iterator()
	n := 0
	for iter.Next(ctx) {
		key := iter.Val()
		raw := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":pc:"), ":s")
		roleID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if err := s.Invalidate(ctx, roleID); err != nil {
			return n, err
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

var _ permission.CacheStore = (*CacheStore)(nil)
