package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "trifecta:session:"

// RedisStore keeps each session as a JSON document under one key and
// serializes writers with WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Client      redis.UniversalClient
	KeyPrefix   string        // default "trifecta:session:"
	TTL         time.Duration // 0 = keys never expire
	MaxAttempts int           // optimistic attempts before ErrConflict (default 16)
	Logger      *zap.Logger
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:      cfg.Client,
		prefix:      prefix,
		ttl:         cfg.TTL,
		maxAttempts: attempts,
		logger:      logger,
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := s.get(ctx, s.client, s.key(sessionID))
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return rec, nil
}

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, key string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if rec.History == nil {
		rec.History = []HistoryEntry{}
	}
	return &rec, nil
}

func (s *RedisStore) Update(ctx context.Context, sessionID string, fn UpdateFunc) (*Record, error) {
	key := s.key(sessionID)

	var out *Record
	txf := func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		created := rec == nil
		if created {
			rec = NewRecord(sessionID, time.Now().UTC())
		}

		orig := rec.Clone()
		commit, err := fn(rec)
		if err != nil {
			return err
		}
		if !commit && !created {
			out = orig
			return nil
		}
		if !commit {
			// Persist the fresh record, dropping whatever fn did to it.
			rec = orig
		} else {
			rec.Version++
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("session watch conflict, retrying",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return nil, fmt.Errorf("Update: %w", err)
	}
	return nil, fmt.Errorf("Update %q: %w", sessionID, ErrConflict)
}

// List scans every session key under the prefix.
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	var out []*Record
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rec, err := s.get(ctx, s.client, iter.Val())
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
