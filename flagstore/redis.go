package flagstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/readtheroom/moderation"
)

// Redis is a Store over a Redis key. Every Set writes the key and publishes
// the new mapping on a channel inside one MULTI/EXEC, so subscribers in
// other processes learn about the write without polling.
type Redis struct {
	client  *redis.Client
	key     string
	channel string
	logger  *slog.Logger
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisPrefix namespaces the key and channel (e.g. "rtr:").
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.key = prefix + moderation.StorageKey
		r.channel = prefix + moderation.StorageKey + ":changes"
	}
}

// WithRedisLogger sets the logger used by subscriptions.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis returns a store bound to client. The client is not owned.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		key:     moderation.StorageKey,
		channel: moderation.StorageKey + ":changes",
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("flagstore: redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context) (moderation.FlaggedPosts, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return moderation.FlaggedPosts{}, nil
	}
	if err != nil {
		return nil, &PersistError{Op: "get", Err: err}
	}
	return decodeMapping(raw, "get")
}

func (r *Redis) Set(ctx context.Context, next moderation.FlaggedPosts) error {
	if next == nil {
		next = moderation.FlaggedPosts{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return &PersistError{Op: "set", Err: err}
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, data, 0)
		pipe.Publish(ctx, r.channel, data)
		return nil
	})
	if err != nil {
		return &PersistError{Op: "set", Err: err}
	}
	return nil
}

func (r *Redis) Toggle(ctx context.Context, postID string) (bool, error) {
	return toggle(ctx, r, postID)
}

// Subscribe waits for the SUBSCRIBE confirmation, reads the baseline and
// then relays published mappings until ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, fn func(Change)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return &PersistError{Op: "subscribe", Err: err}
	}
	last, err := r.Get(ctx)
	if err != nil {
		pubsub.Close()
		return err
	}

	go func() {
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("flagstore: redis receive", "channel", r.channel, "error", err)
				continue
			}
			cur, err := decodeMapping([]byte(msg.Payload), "subscribe")
			if err != nil {
				r.logger.Warn("flagstore: redis payload", "channel", r.channel, "error", err)
				continue
			}
			if len(moderation.Diff(last, cur)) == 0 {
				last = cur
				continue
			}
			ch := Change{Topic: r.key, Old: last, New: cur}
			last = cur
			fn(ch)
		}
	}()
	return nil
}

func decodeMapping(raw []byte, op string) (moderation.FlaggedPosts, error) {
	fp := moderation.FlaggedPosts{}
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, &PersistError{Op: op, Err: fmt.Errorf("decode %s: %w", moderation.StorageKey, err)}
	}
	return fp, nil
}
