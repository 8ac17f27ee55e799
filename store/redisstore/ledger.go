package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/braybrandon/rbacauth/refresh"
	"github.com/redis/go-redis/v9"
)

const insertRowLua = `
local function insert_row(prefix, uid, hash, exp, created, expire_at)
  local id = redis.call("INCR", prefix .. ":rt:seq")
  local row = prefix .. ":rt:" .. id
  redis.call("HSET", row, "uid", uid, "hash", hash, "exp", exp, "rev", "0", "created", created)
  local hkey = prefix .. ":rth:" .. hash
  redis.call("SET", hkey, id)
  redis.call("SADD", prefix .. ":rtu:" .. uid, id)
  if tonumber(expire_at) > 0 then
    redis.call("PEXPIREAT", row, expire_at)
    redis.call("PEXPIREAT", hkey, expire_at)
  end
  return id
end
`

var createRowScript = redis.NewScript(insertRowLua + `
return insert_row(ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6])
`)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusRotated  int64 = 2
)

var rotateRowScript = redis.NewScript(insertRowLua + `
local row = ARGV[1] .. ":rt:" .. ARGV[2]
local rev = redis.call("HGET", row, "rev")
if not rev then
  return {0, 0}
end
if rev == "1" then
  return {1, 0}
end
redis.call("HSET", row, "rev", "1")
local id = insert_row(ARGV[1], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7])
return {2, id}
`)

var revokeRowScript = redis.NewScript(`
local id = ARGV[2]
if ARGV[3] == "hash" then
  id = redis.call("GET", ARGV[1] .. ":rth:" .. ARGV[2])
  if not id then
    return 0
  end
end
local row = ARGV[1] .. ":rt:" .. id
if redis.call("EXISTS", row) == 0 then
  return 0
end
redis.call("HSET", row, "rev", "1")
return 1
`)

var revokeUserScript = redis.NewScript(`
local ukey = ARGV[1] .. ":rtu:" .. ARGV[2]
local ids = redis.call("SMEMBERS", ukey)
local n = 0
for _, id in ipairs(ids) do
  local row = ARGV[1] .. ":rt:" .. id
  local rev = redis.call("HGET", row, "rev")
  if not rev then
    redis.call("SREM", ukey, id)
  elseif rev == "0" then
    redis.call("HSET", row, "rev", "1")
    n = n + 1
  end
end
return n
`)

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	Prefix string
	// Retention keeps rows this long past their expiry so that a replayed
	// expired-and-revoked credential is still recognised. Zero keeps rows
	// until they are deleted externally.
	Retention time.Duration
}

// Ledger is a Redis refresh.Ledger.
type Ledger struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewLedger returns a Ledger on client.
func NewLedger(client redis.UniversalClient, opts LedgerOptions) *Ledger {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "rbac"
	}
	return &Ledger{redis: client, prefix: prefix, retention: opts.Retention}
}

func (l *Ledger) rowKey(id string) string {
	return l.prefix + ":rt:" + id
}

func (l *Ledger) hashKey(hash string) string {
	return l.prefix + ":rth:" + hash
}

func (l *Ledger) issueArgs(in refresh.Issue) []interface{} {
	var expireAt int64
	if l.retention > 0 {
		expireAt = in.ExpiresAt.Add(l.retention).UnixMilli()
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []interface{}{
		strconv.FormatInt(in.UserID, 10),
		in.TokenHash,
		in.ExpiresAt.UnixMilli(),
		created.UnixMilli(),
		expireAt,
	}
}

func (l *Ledger) Create(ctx context.Context, in refresh.Issue) (int64, error) {
	if in.UserID <= 0 || in.TokenHash == "" {
		return 0, errors.New("refresh issue requires user and hash")
	}
	args := append([]interface{}{l.prefix}, l.issueArgs(in)...)
	id, err := createRowScript.Run(ctx, l.redis, nil, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	return id, nil
}

func (l *Ledger) Get(ctx context.Context, id int64) (*refresh.Record, error) {
	return l.load(ctx, strconv.FormatInt(id, 10))
}

func (l *Ledger) GetByHash(ctx context.Context, tokenHash string) (*refresh.Record, error) {
	id, err := l.redis.Get(ctx, l.hashKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, refresh.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	return l.load(ctx, id)
}

func (l *Ledger) load(ctx context.Context, id string) (*refresh.Record, error) {
	fields, err := l.redis.HGetAll(ctx, l.rowKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, refresh.ErrNotFound
	}
	return decodeRecord(id, fields)
}

func decodeRecord(id string, fields map[string]string) (*refresh.Record, error) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt row id %q", refresh.ErrUnavailable, id)
	}
	uid, err := strconv.ParseInt(fields["uid"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt row %d", refresh.ErrUnavailable, rowID)
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt row %d", refresh.ErrUnavailable, rowID)
	}
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	return &refresh.Record{
		ID:        rowID,
		UserID:    uid,
		TokenHash: fields["hash"],
		ExpiresAt: time.UnixMilli(exp),
		Revoked:   fields["rev"] == "1",
		CreatedAt: time.UnixMilli(created),
	}, nil
}

func (l *Ledger) Rotate(ctx context.Context, id int64, next refresh.Issue) (int64, error) {
	args := append([]interface{}{l.prefix, strconv.FormatInt(id, 10)}, l.issueArgs(next)...)
	res, err := rotateRowScript.Run(ctx, l.redis, nil, args...).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: invalid rotate script response", refresh.ErrUnavailable)
	}
	switch res[0] {
	case rotateStatusNotFound:
		return 0, refresh.ErrNotFound
	case rotateStatusRevoked:
		return 0, refresh.ErrAlreadyRevoked
	case rotateStatusRotated:
		return res[1], nil
	default:
		return 0, fmt.Errorf("%w: unknown rotate script status", refresh.ErrUnavailable)
	}
}

func (l *Ledger) Revoke(ctx context.Context, id int64) error {
	return l.revoke(ctx, strconv.FormatInt(id, 10), "id")
}

func (l *Ledger) RevokeByHash(ctx context.Context, tokenHash string) error {
	return l.revoke(ctx, tokenHash, "hash")
}

func (l *Ledger) revoke(ctx context.Context, ref, kind string) error {
	n, err := revokeRowScript.Run(ctx, l.redis, nil, l.prefix, ref, kind).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	if n == 0 {
		return refresh.ErrNotFound
	}
	return nil
}

func (l *Ledger) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	n, err := revokeUserScript.Run(ctx, l.redis, nil, l.prefix, strconv.FormatInt(userID, 10)).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
	}
	return int(n), nil
}

var _ refresh.Ledger = (*Ledger)(nil)
