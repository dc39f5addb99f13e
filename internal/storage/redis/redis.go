// Package redis persists conversations as JSON blobs in Redis, one key
// per conversation with an optional TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/models"
)

const keyPrefix = "conductor:conv:"

// Config configures the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// TTL expires idle conversations; zero keeps them forever. The
	// expiry is refreshed on every write.
	TTL time.Duration
}

// Store implements conversation.Store on Redis. Writes are
// read-modify-write on the whole blob; the conversation manager
// serializes appends per conversation, so writers within one process
// never race on a key.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// New connects to Redis and verifies reachability with a ping.
func New(cfg Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{client: client, ttl: cfg.TTL, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{client: client, ttl: ttl, logger: logger}
}

func key(id string) string { return keyPrefix + id }

func (s *Store) Create(ctx context.Context, conv *conversation.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key(conv.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return conversation.ErrAlreadyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, conversation.ErrUnknownConversation
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var conv conversation.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %q: %w", id, err)
	}
	return &conv, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if conv.State == conversation.StateClosed {
		return conversation.ErrConversationClosed
	}

	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()
	return s.write(ctx, conv)
}

func (s *Store) SetState(ctx context.Context, id string, state conversation.State) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	conv.State = state
	conv.UpdatedAt = time.Now()
	return s.write(ctx, conv)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if n == 0 {
		return conversation.ErrUnknownConversation
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*conversation.Conversation, error) {
	var out []*conversation.Conversation

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}

		var conv conversation.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			s.logger.WithFields(logrus.Fields{
				"key":   iter.Val(),
				"error": err,
			}).Warn("Skipping undecodable conversation")
			continue
		}
		out = append(out, &conv)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) write(ctx context.Context, conv *conversation.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := s.client.Set(ctx, key(conv.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
