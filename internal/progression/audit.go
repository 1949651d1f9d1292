package progression

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Audit event types emitted by the service.
const (
	EventStarted      = "activity_started"
	EventSaved        = "activity_saved"
	EventCompleted    = "activity_completed"
	EventCascaded     = "module_auto_completed"
	EventUnlocked     = "submodule_unlocked"
	EventAccessDenied = "access_denied"
)

// AuditSink receives progression events. Sinks are fire-and-forget from the
// service's point of view: a failing sink is logged and never fails the
// operation that produced the event.
type AuditSink interface {
	Record(ctx context.Context, eventType, userID string, details map[string]any) error
}

// NopSink ignores all events.
type NopSink struct{}

func (NopSink) Record(context.Context, string, string, map[string]any) error {
	return nil
}

// AuditEvent is one recorded event, exposed by MemorySink for tests.
type AuditEvent struct {
	EventType string
	UserID    string
	Details   map[string]any
	CreatedAt time.Time
}

// MemorySink stores events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: []AuditEvent{}}
}

func (s *MemorySink) Record(ctx context.Context, eventType, userID string, details map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	s.mu.Lock()
	s.events = append(s.events, AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Details:   details,
		CreatedAt: time.Now(),
	})
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent{}, s.events...)
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, eventType, userID string, details map[string]any) error {
	slog.Info("audit event", "type", eventType, "user_id", userID, "details", details)
	return nil
}

// RedisSink appends events to a capped Redis stream, from which the
// external audit pipeline consumes.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a Redis stream audit sink. maxLen caps the stream
// approximately; zero means unbounded.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) (*RedisSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisSink) Record(ctx context.Context, eventType, userID string, details map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}

	payload := "{}"
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		payload = string(data)
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    eventType,
			"user_id": userID,
			"details": payload,
			"at":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
