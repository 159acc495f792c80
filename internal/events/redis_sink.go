// Package events provides audit event sink backends. The default sink
// is the Postgres events table; this package adds the Redis Streams
// alternative selected at startup.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"identitymap/api/internal/store"
)

const defaultStream = "identitymap:events"

// RedisSink appends audit events to a Redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(redisURL string) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisSink{client: client, stream: defaultStream}, nil
}

// NewRedisSinkWithClient creates a sink from an existing Redis client.
func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, stream: defaultStream}
}

// InsertEvent appends one entry to the stream. Optional fields are
// omitted rather than written empty.
func (s *RedisSink) InsertEvent(ctx context.Context, event store.Event) error {
	values := map[string]any{
		"id":         event.ID,
		"session_id": event.SessionID,
		"event_type": event.EventType,
	}
	if event.ParticipantID != nil {
		values["participant_id"] = *event.ParticipantID
	}
	if event.Payload != nil {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		values["payload"] = string(encoded)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
