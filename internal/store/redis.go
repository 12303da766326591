package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gobii_runner/internal/model"
)

// Redis keys, relative to the configured prefix
const (
	redisTasksKey   = "tasks"
	redisAPIKeyKey  = "apiKey"
	redisChangedKey = "tasks:changed"
)

// RedisStore keeps the task collection as one JSON document in Redis.
// Several instances may share it: Modify is optimistic under WATCH and every
// write is announced on a pub/sub channel so other instances can reload.
type RedisStore struct {
	rdb        redis.UniversalClient
	prefix     string
	instanceID string
	logger     *logrus.Entry
}

// NewRedisStore creates a new Redis backed store
func NewRedisStore(rdb redis.UniversalClient, prefix string, logger *logrus.Entry) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		logger:     logger.WithField("component", "redis-store"),
	}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// maxModifyAttempts bounds the optimistic retries of Modify
const maxModifyAttempts = 10

// ErrModifyConflict is returned when Modify kept losing to other writers
var ErrModifyConflict = errors.New("task collection kept changing, giving up")

// stringGetter is satisfied by both the client and a WATCH transaction
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Load reads the task collection; a missing key is an empty collection
func (s *RedisStore) Load(ctx context.Context) ([]model.Task, error) {
	return s.load(ctx, s.rdb)
}

func (s *RedisStore) load(ctx context.Context, c stringGetter) ([]model.Task, error) {
	data, err := c.Get(ctx, s.key(redisTasksKey)).Bytes()
	if err == redis.Nil {
		return []model.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks from Redis: %w", err)
	}

	var tasks []model.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

// Save writes the collection and publishes a change notification
func (s *RedisStore) Save(ctx context.Context, tasks []model.Task) error {
	data, err := encodeTasks(tasks)
	if err != nil {
		return err
	}
	if _, err := s.rdb.TxPipelined(ctx, s.write(ctx, data)); err != nil {
		return fmt.Errorf("failed to save tasks to Redis: %w", err)
	}
	return nil
}

// Modify loads, changes and saves the collection under WATCH so a write
// from another instance in between makes the cycle start over
func (s *RedisStore) Modify(ctx context.Context, fn ModifyFunc) error {
	key := s.key(redisTasksKey)

	for attempt := 1; attempt <= maxModifyAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			tasks, err := s.load(ctx, tx)
			if err != nil {
				return err
			}
			next, err := fn(tasks)
			if err != nil {
				return err
			}
			data, err := encodeTasks(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, s.write(ctx, data))
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debugf("Concurrent write on %s, retrying (attempt %d)", key, attempt)
			continue
		}
		return err
	}
	return ErrModifyConflict
}

func (s *RedisStore) write(ctx context.Context, data []byte) func(redis.Pipeliner) error {
	return func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(redisTasksKey), data, 0)
		pipe.Publish(ctx, s.key(redisChangedKey), s.instanceID)
		return nil
	}
}

func encodeTasks(tasks []model.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []model.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tasks: %w", err)
	}
	return data, nil
}

// Get returns the stored API key
func (s *RedisStore) Get(ctx context.Context) (string, bool, error) {
	key, err := s.rdb.Get(ctx, s.key(redisAPIKeyKey)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load API key: %w", err)
	}
	if key == "" {
		return "", false, nil
	}
	return key, true, nil
}

// Set stores the API key
func (s *RedisStore) Set(ctx context.Context, apiKey string) error {
	if err := s.rdb.Set(ctx, s.key(redisAPIKeyKey), apiKey, 0).Err(); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}
	return nil
}

// Delete removes the API key
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key(redisAPIKeyKey)).Err(); err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}
	return nil
}

// Subscribe calls onChange whenever another instance saves the collection.
// It blocks until ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context, onChange func()) error {
	pubsub := s.rdb.Subscribe(ctx, s.key(redisChangedKey))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to task changes: %w", err)
	}
	s.logger.Infof("Subscribed to %s", s.key(redisChangedKey))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == s.instanceID {
				continue
			}
			s.logger.Debugf("External task change from %s", msg.Payload)
			onChange()
		}
	}
}
