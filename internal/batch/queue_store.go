package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/profilestore"
)

// DefaultKeyPrefix namespaces this engine's keys in a shared Redis.
const DefaultKeyPrefix = "tgsentinel:"

const queueKeySuffix = "feedback:batch_queue"

// QueueKey returns the Redis key holding the queue state for prefix.
func QueueKey(prefix string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return prefix + queueKeySuffix
}

// RedisQueueStore keeps the queue state as one JSON value.
type RedisQueueStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisQueueStore creates a store under QueueKey(prefix).
func NewRedisQueueStore(client redis.Cmdable, prefix string) *RedisQueueStore {
	return &RedisQueueStore{client: client, key: QueueKey(prefix)}
}

// Key returns the Redis key in use.
func (s *RedisQueueStore) Key() string {
	return s.key
}

// Save writes the state with no expiry.
func (s *RedisQueueStore) Save(ctx context.Context, state models.BatchQueueState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}

	return nil
}

// Load reads the state; a missing key yields an empty state.
func (s *RedisQueueStore) Load(ctx context.Context) (models.BatchQueueState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.BatchQueueState{}, nil
	}

	if err != nil {
		return models.BatchQueueState{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	return unmarshalState(data)
}

// FileQueueStore keeps the queue state in a JSON file replaced atomically.
type FileQueueStore struct {
	path string
}

// NewFileQueueStore creates a store writing to path.
func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{path: path}
}

// Save replaces the state file.
func (s *FileQueueStore) Save(_ context.Context, state models.BatchQueueState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}

	if err := profilestore.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}

	return nil
}

// Load reads the state file; a missing file yields an empty state.
func (s *FileQueueStore) Load(_ context.Context) (models.BatchQueueState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.BatchQueueState{}, nil
	}

	if err != nil {
		return models.BatchQueueState{}, fmt.Errorf("read queue state: %w", err)
	}

	return unmarshalState(data)
}

func marshalState(state models.BatchQueueState) ([]byte, error) {
	if state.Pending == nil {
		state.Pending = []string{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode queue state: %w", err)
	}

	return data, nil
}

func unmarshalState(data []byte) (models.BatchQueueState, error) {
	var state models.BatchQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.BatchQueueState{}, fmt.Errorf("decode queue state: %w", err)
	}

	return state, nil
}

var (
	_ QueueStore = (*RedisQueueStore)(nil)
	_ QueueStore = (*FileQueueStore)(nil)
)
