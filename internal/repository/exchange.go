package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/nektus/exchange-server-go/internal/redis"
	"github.com/nektus/exchange-server-go/internal/model"
)

// claimMatchScript commits a pairing atomically: both pending records must
// still exist, then both are deleted, both session ids leave the bucket, and
// the match plus its two reverse lookups are written. Returns 0 without side
// effects when either side was already consumed, so no session can be matched
// twice.
var claimMatchScript = redis.NewScript(`
local pendingA = KEYS[1]
local pendingB = KEYS[2]
local bucket = KEYS[3]
local matchKey = KEYS[4]
local lookupA = KEYS[5]
local lookupB = KEYS[6]

if redis.call('EXISTS', pendingA) == 0 or redis.call('EXISTS', pendingB) == 0 then
    return 0
end

redis.call('DEL', pendingA, pendingB)
redis.call('SREM', bucket, ARGV[1], ARGV[2])
redis.call('SET', matchKey, ARGV[3], 'EX', ARGV[5])
redis.call('SET', lookupA, ARGV[4], 'EX', ARGV[5])
redis.call('SET', lookupB, ARGV[4], 'EX', ARGV[5])
return 1
`)

// ExchangeRepository is the rendezvous medium between independent hit
// reports. All multi-key mutations are issued as a single pipeline or script
// so concurrent reports for unrelated pairs stay correct without locks.
type ExchangeRepository interface {
	GetPending(ctx context.Context, sessionID string) (*model.PendingExchange, error)
	GetPendingBatch(ctx context.Context, sessionIDs []string) (map[string]*model.PendingExchange, error)
	// InsertPending writes a new pending record and adds its session id to
	// the candidate bucket in one atomic step.
	InsertPending(ctx context.Context, p *model.PendingExchange) error
	// UpdatePending overwrites existing records in place, preserving their
	// remaining TTL. A record that expired since it was read is left dead.
	UpdatePending(ctx context.Context, records ...*model.PendingExchange) error
	BucketMembers(ctx context.Context) ([]string, error)
	// EvictFromBucket drops session ids whose records have already expired.
	EvictFromBucket(ctx context.Context, sessionIDs ...string) error
	// ClaimMatch atomically consumes both pending records and records the
	// match. Returns false when another report already claimed either side.
	ClaimMatch(ctx context.Context, m *model.ExchangeMatch) (bool, error)
	GetMatch(ctx context.Context, token string) (*model.ExchangeMatch, error)
	GetMatchBySession(ctx context.Context, sessionID string) (*model.ExchangeMatch, error)
	Ping(ctx context.Context) error
}

type exchangeRepo struct {
	client     *redisclient.Client
	pendingTTL time.Duration
	matchTTL   time.Duration
}

func NewExchangeRepository(client *redisclient.Client, pendingTTL, matchTTL time.Duration) ExchangeRepository {
	return &exchangeRepo{
		client:     client,
		pendingTTL: pendingTTL,
		matchTTL:   matchTTL,
	}
}

func (r *exchangeRepo) GetPending(ctx context.Context, sessionID string) (*model.PendingExchange, error) {
	data, err := r.client.Get(ctx, redisclient.PendingKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", sessionID, err)
	}

	var p model.PendingExchange
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pending %s: %w", sessionID, err)
	}
	return &p, nil
}

func (r *exchangeRepo) GetPendingBatch(ctx context.Context, sessionIDs []string) (map[string]*model.PendingExchange, error) {
	if len(sessionIDs) == 0 {
		return map[string]*model.PendingExchange{}, nil
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = redisclient.PendingKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget pending: %w", err)
	}

	out := make(map[string]*model.PendingExchange, len(sessionIDs))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // expired between SMEMBERS and MGET
		}
		var p model.PendingExchange
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", sessionIDs[i], err)
		}
		out[sessionIDs[i]] = &p
	}
	return out, nil
}

func (r *exchangeRepo) InsertPending(ctx context.Context, p *model.PendingExchange) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending %s: %w", p.SessionID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisclient.PendingKey(p.SessionID), data, r.pendingTTL)
	pipe.SAdd(ctx, redisclient.BucketKey(), p.SessionID)
	pipe.Expire(ctx, redisclient.BucketKey(), r.pendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert pending %s: %w", p.SessionID, err)
	}
	return nil
}

func (r *exchangeRepo) UpdatePending(ctx context.Context, records ...*model.PendingExchange) error {
	if len(records) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, p := range records {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode pending %s: %w", p.SessionID, err)
		}
		// XX: a record that expired since it was read must stay dead. A
		// plain SET with KEEPTTL would recreate it without any expiration,
		// since there is no TTL left to keep.
		pipe.SetXX(ctx, redisclient.PendingKey(p.SessionID), data, redis.KeepTTL)
	}
	// A skipped SET reports redis.Nil through Exec; that is the no-op case,
	// not a failure.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("update pending: %w", err)
	}
	return nil
}

func (r *exchangeRepo) BucketMembers(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, redisclient.BucketKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("bucket members: %w", err)
	}
	return members, nil
}

func (r *exchangeRepo) EvictFromBucket(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}
	if err := r.client.SRem(ctx, redisclient.BucketKey(), args...).Err(); err != nil {
		return fmt.Errorf("evict from bucket: %w", err)
	}
	return nil
}

func (r *exchangeRepo) ClaimMatch(ctx context.Context, m *model.ExchangeMatch) (bool, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode match %s: %w", m.Token, err)
	}

	keys := []string{
		redisclient.PendingKey(m.SessionA),
		redisclient.PendingKey(m.SessionB),
		redisclient.BucketKey(),
		redisclient.MatchKey(m.Token),
		redisclient.SessionMatchKey(m.SessionA),
		redisclient.SessionMatchKey(m.SessionB),
	}
	claimed, err := claimMatchScript.Run(
		ctx, r.client,
		keys,
		m.SessionA, m.SessionB, data, m.Token, int64(r.matchTTL.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("claim match %s+%s: %w", m.SessionA, m.SessionB, err)
	}
	return claimed == 1, nil
}

func (r *exchangeRepo) GetMatch(ctx context.Context, token string) (*model.ExchangeMatch, error) {
	data, err := r.client.Get(ctx, redisclient.MatchKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", token, err)
	}

	var m model.ExchangeMatch
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", token, err)
	}
	return &m, nil
}

func (r *exchangeRepo) GetMatchBySession(ctx context.Context, sessionID string) (*model.ExchangeMatch, error) {
	token, err := r.client.Get(ctx, redisclient.SessionMatchKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get match by session %s: %w", sessionID, err)
	}
	return r.GetMatch(ctx, token)
}

func (r *exchangeRepo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
