// Package redis stores retry state in Redis: one JSON document per record, a
// set indexing record ids and a sorted set acting as the due-queue. Queue
// scores come from a counter so ZRANGE returns insertion order.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menu-planning/retryd/internal/domain"
)

const DefaultKeyPrefix = "retryd:"

// Store implements repository.RetryStore.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore returns a store keeping its keys under prefix; an empty prefix
// uses DefaultKeyPrefix.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) recordKey(id string) string { return s.prefix + "record:" + id }
func (s *Store) indexKey() string           { return s.prefix + "records" }
func (s *Store) queueKey() string           { return s.prefix + "queue" }
func (s *Store) seqKey() string             { return s.prefix + "queue:seq" }
func (s *Store) claimKey(key string) string { return s.prefix + "claim:" + key }

func (s *Store) Get(ctx context.Context, webhookID string) (*domain.RetryRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(webhookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *Store) Put(ctx context.Context, rec *domain.RetryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode retry record %s: %w", rec.WebhookID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.WebhookID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), rec.WebhookID)
		return nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, webhookID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(webhookID))
		pipe.SRem(ctx, s.indexKey(), webhookID)
		pipe.ZRem(ctx, s.queueKey(), webhookID)
		return nil
	})
	return err
}

func (s *Store) List(ctx context.Context) ([]*domain.RetryRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*domain.RetryRecord, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// index entry without a document: deleted between SMEMBERS and MGET
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, fmt.Errorf("decode retry record %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Enqueue adds the id with the next sequence number as score. NX keeps the
// original position of ids already queued.
func (s *Store) Enqueue(ctx context.Context, webhookID string) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	return s.client.ZAddNX(ctx, s.queueKey(), redis.Z{Score: float64(seq), Member: webhookID}).Err()
}

func (s *Store) Dequeue(ctx context.Context, webhookID string) error {
	return s.client.ZRem(ctx, s.queueKey(), webhookID).Err()
}

func (s *Store) QueuedIDs(ctx context.Context) ([]string, error) {
	return s.client.ZRange(ctx, s.queueKey(), 0, -1).Result()
}

func decode(data []byte) (*domain.RetryRecord, error) {
	var rec domain.RetryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Attempts == nil {
		rec.Attempts = []domain.RetryAttempt{}
	}
	return &rec, nil
}

// claimScript sets the lease when free and renews it for its current owner.
var claimScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
    return 1
end
if current == ARGV[1] then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *Store) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := claimScript.Run(ctx, s.client, []string{s.claimKey(key)}, owner, max(ttl.Milliseconds(), 1)).Int()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok == 1, nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{s.claimKey(key)}, owner).Err()
}
