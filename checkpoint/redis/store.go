// Package redis keeps the aggregation checkpoint under a single Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/bytedance/sonic"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultKey = "goevents:aggregation_checkpoint"

var jsonAPI = sonic.ConfigStd

type Store struct {
	client goredis.Cmdable
	key    string
	logger pipeline.Logger
}

var _ pipeline.CheckpointStore = (*Store)(nil)
var _ pipeline.Loggable = (*Store)(nil)

func New(client goredis.Cmdable, key string) *Store {
	if client == nil || reflect.ValueOf(client).IsNil() {
		panic("redis client is mandatory")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		client: client,
		key:    key,
		logger: &pipeline.NopLogger{},
	}
}

// NewClient parses a redis:// URL and checks the server answers.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// SetLogger sets an optional logger.
func (s *Store) SetLogger(l pipeline.Logger) {
	s.logger = l
}

func (s *Store) LoadCheckpoint(ctx context.Context) (*pipeline.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, pipeline.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not load the checkpoint: %w", err)
	}
	if len(data) == 0 {
		return nil, pipeline.ErrCheckpointNotFound
	}

	var c pipeline.Checkpoint
	if err := jsonAPI.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", pipeline.ErrCheckpointCorrupt, s.key, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.LastProcessedTimestamp = c.LastProcessedTimestamp.UTC()
	return &c, nil
}

// SaveCheckpoint replaces the whole checkpoint with a single SET.
func (s *Store) SaveCheckpoint(ctx context.Context, c *pipeline.Checkpoint) error {
	data, err := jsonAPI.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not encode the checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("could not save the checkpoint: %w", err)
	}
	s.logger.Debug(fmt.Sprintf("checkpoint stored under %s", s.key))
	return nil
}
