// Redis-backed Store implementation. Key layout mirrors the memory
// store: SET with TTL for samples and task results, LPUSH/RPOP lists
// for message queues and feedback.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// RedisStore implements Store against a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL, retrying with
// exponential backoff for up to 30 seconds before giving up.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second),
	), ctx)
	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, policy)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Redis store connected")
	return &RedisStore{client: client}, nil
}

// ── MetricStore ──────────────────────────────────────────────

func (r *RedisStore) PutSample(ctx context.Context, sample *models.PerformanceSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	key := sampleKey(sample.AgentID, sample.MetricName)
	if err := r.client.Set(ctx, key, data, SampleTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) GetSample(ctx context.Context, agentID, metricName string) (*models.PerformanceSample, error) {
	data, err := r.client.Get(ctx, sampleKey(agentID, metricName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sample: %w", err)
	}
	var sample models.PerformanceSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("unmarshal sample: %w", err)
	}
	return &sample, nil
}

func (r *RedisStore) PutTaskResult(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	key := taskResultKey(task.ID)
	if err := r.client.Set(ctx, key, data, TaskResultTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) GetTaskResult(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := r.client.Get(ctx, taskResultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task result: %w", err)
	}
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

func (r *RedisStore) AppendFeedback(ctx context.Context, agentID string, entry FeedbackEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	key := feedbackKey(agentID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, FeedbackMaxEntries-1)
	pipe.Expire(ctx, key, FeedbackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

func (r *RedisStore) ListFeedback(ctx context.Context, agentID string) ([]FeedbackEntry, error) {
	raw, err := r.client.LRange(ctx, feedbackKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	entries := make([]FeedbackEntry, 0, len(raw))
	for _, item := range raw {
		var entry FeedbackEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Warn().Err(err).Str("agent", agentID).Msg("Skipping unparseable feedback entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ── MessageStore ─────────────────────────────────────────────

func (r *RedisStore) PushMessage(ctx context.Context, agentID string, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messagesKey(agentID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, MessageTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

func (r *RedisStore) PopMessage(ctx context.Context, agentID string) (*models.Message, error) {
	data, err := r.client.RPop(ctx, messagesKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("pop message: %w", err)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

func (r *RedisStore) ListMessages(ctx context.Context, agentID string) ([]*models.Message, error) {
	raw, err := r.client.LRange(ctx, messagesKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]*models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Warn().Err(err).Str("agent", agentID).Msg("Skipping unparseable message")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *RedisStore) ReplaceMessages(ctx context.Context, agentID string, msgs []*models.Message) error {
	key := messagesKey(agentID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(msgs) > 0 {
		// LPush reverses its arguments, so push tail-first to restore
		// the original head-to-tail order.
		payloads := make([]interface{}, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			data, err := json.Marshal(msgs[i])
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}
			payloads = append(payloads, data)
		}
		pipe.LPush(ctx, key, payloads...)
		pipe.Expire(ctx, key, MessageTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
