package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redislib "github.com/redis/go-redis/v9"

	logx "bgtask/pkg/logx"
)

const (
	redisConnectRetries = 5
	redisRetryDelay     = 2 * time.Second
)

// redisStore keeps pending requests in a hash (field = identifier, value =
// unix milli) and outcomes in a capped list, newest first.
type redisStore struct {
	client      redislib.UniversalClient
	log         logx.Logger
	pendingKey  string
	outcomesKey string
	maxOutcomes int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	var lastErr error
	for attempt := 1; attempt <= redisConnectRetries; attempt++ {
		client := redislib.NewClient(&redislib.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		ctx, cancel := context.WithTimeout(context.Background(), redisRetryDelay)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			log.Info("connected to redis", logx.Int("attempt", attempt), logx.Int("of", redisConnectRetries))
			return newRedisStore(client, rc, log), nil
		}
		_ = client.Close()
		lastErr = err
		log.Warn("redis connect failed", logx.Int("attempt", attempt), logx.Int("of", redisConnectRetries), logx.Err(err))
		if attempt < redisConnectRetries {
			time.Sleep(redisRetryDelay)
		}
	}
	return nil, fmt.Errorf("connect redis after %d attempts: %w", redisConnectRetries, lastErr)
}

func newRedisStore(client redislib.UniversalClient, rc RedisConfig, log logx.Logger) *redisStore {
	prefix := rc.Prefix
	if prefix == "" {
		prefix = "bgtask:"
	}
	maxN := rc.MaxOutcomes
	if maxN <= 0 {
		maxN = 1000
	}
	return &redisStore{
		client:      client,
		log:         log,
		pendingKey:  prefix + "pending",
		outcomesKey: prefix + "outcomes",
		maxOutcomes: int64(maxN),
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) PutPending(ctx context.Context, id string, earliest time.Time) error {
	if id == "" {
		return nil
	}
	return s.client.HSet(ctx, s.pendingKey, id, earliest.UnixMilli()).Err()
}

func (s *redisStore) DeletePending(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.pendingKey, id).Err()
}

func (s *redisStore) LoadPending(ctx context.Context) (map[string]time.Time, error) {
	m, err := s.client.HGetAll(ctx, s.pendingKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(m))
	for id, v := range m {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed pending entry", logx.String("task", id), logx.String("value", v))
			continue
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *redisStore) AppendOutcome(ctx context.Context, o Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.outcomesKey, b)
	pipe.LTrim(ctx, s.outcomesKey, 0, s.maxOutcomes-1)
	_, err = pipe.Exec(ctx)
	return err
}
