// Package eventbus publishes agent events to a Redis stream so external
// consumers (dashboards, other services) can follow the agent.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "trendpilot:events"

// RedisPublisher appends every agent event to a Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// RedisOptions configures the connection and the stream.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream length approximately. Zero disables trimming.
	MaxLen int64
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(opts RedisOptions) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis at %s, publishing to stream %s", opts.Addr, streamOrDefault(opts.Stream))
	return NewRedisPublisherWithClient(client, opts.Stream, opts.MaxLen), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: streamOrDefault(stream), maxLen: maxLen}
}

func streamOrDefault(stream string) string {
	if stream == "" {
		return DefaultStream
	}
	return stream
}

// Handle appends ev to the stream with type, action, timestamp and JSON data
// fields.
func (p *RedisPublisher) Handle(ctx context.Context, ev models.Event) error {
	values, err := encode(ev)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type(), err)
	}
	return nil
}

func encode(ev models.Event) (map[string]interface{}, error) {
	var (
		payload   interface{}
		action    string
		timestamp time.Time
	)
	values := map[string]interface{}{"type": string(ev.Type())}

	switch e := ev.(type) {
	case models.ActivityEvent:
		payload, action, timestamp = e.Activity, string(e.Activity.Action), e.Activity.Timestamp
	case models.ErrorEvent:
		payload, action, timestamp = e.Activity, string(e.Activity.Action), e.Activity.Timestamp
		if e.Err != nil {
			values["error"] = e.Err.Error()
		}
	case models.StateEvent:
		payload, timestamp = e.State, e.State.LastUpdate
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
	}
	values["action"] = action
	values["timestamp"] = timestamp.UTC().Format(time.RFC3339Nano)
	values["data"] = string(data)
	return values, nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
