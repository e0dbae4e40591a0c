package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists jobs in Redis: one JSON value per job plus a sorted
// set index scored by start time.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	history int
}

// NewRedisStore connects to Redis and returns a store.
// Returns error if connection fails.
func NewRedisStore(url string, ttl time.Duration, history int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if history <= 0 {
		history = 1000
	}
	return &RedisStore{
		client:  client,
		prefix:  "terrapredict:jobs:",
		ttl:     ttl,
		history: history,
	}, nil
}

func (rs *RedisStore) jobKey(id string) string {
	return rs.prefix + id
}

func (rs *RedisStore) indexKey() string {
	return rs.prefix + "index"
}

// trimScript drops the oldest index entries beyond ARGV[1] and deletes
// their job keys (ARGV[2] is the key prefix). Job keys are derived from the
// index, so the store assumes a single Redis node rather than Cluster.
var trimScript = redis.NewScript(`
local over = redis.call('ZRANGE', KEYS[1], 0, -tonumber(ARGV[1]) - 1)
for _, id in ipairs(over) do
	redis.call('DEL', ARGV[2] .. id)
	redis.call('ZREM', KEYS[1], id)
end
return #over
`)

// Save writes the job, then trims the index and the trimmed jobs to the
// history limit.
func (rs *RedisStore) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, rs.jobKey(job.ID), data, rs.ttl)
	pipe.ZAdd(ctx, rs.indexKey(), redis.Z{
		Score:  float64(job.StartedAt.UnixNano()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving job: %w", err)
	}

	if err := trimScript.Run(ctx, rs.client, []string{rs.indexKey()}, rs.history, rs.prefix).Err(); err != nil {
		return fmt.Errorf("trimming job history: %w", err)
	}
	return nil
}

// Get loads one job.
func (rs *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := rs.client.Get(ctx, rs.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// List returns up to limit jobs, newest first. Index entries whose job has
// expired are skipped.
func (rs *RedisStore) List(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := rs.client.ZRevRange(ctx, rs.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = rs.jobKey(id)
	}
	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}

	out := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			// Skip invalid entries
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
