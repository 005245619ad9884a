// Package drift records identity records left without a profile because a
// compensating delete failed. Operators reconcile them by hand.
package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const listKey = "auth:drift"

// maxRecords bounds the stored backlog.
const maxRecords = 1000

// Record describes one orphaned identity.
type Record struct {
	IdentityID string    `json:"identity_id"`
	Phone      string    `json:"phone"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// Reporter stores drift records.
type Reporter interface {
	Report(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

// RedisReporter keeps the newest records first in a capped Redis list.
type RedisReporter struct {
	client *redis.Client
}

// NewRedisReporter wires a Redis-backed reporter.
func NewRedisReporter(client *redis.Client) *RedisReporter {
	return &RedisReporter{client: client}
}

// Report prepends rec.
func (r *RedisReporter) Report(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode drift record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, 0, maxRecords-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis report drift: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (r *RedisReporter) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxRecords {
		limit = maxRecords
	}
	raw, err := r.client.LRange(ctx, listKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list drift: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type memoryReporter struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryReporter builds an in-process reporter.
func NewMemoryReporter() Reporter {
	return &memoryReporter{}
}

func (r *memoryReporter) Report(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append([]Record{rec}, r.records...)
	if len(r.records) > maxRecords {
		r.records = r.records[:maxRecords]
	}
	return nil
}

func (r *memoryReporter) List(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]Record, limit)
	copy(out, r.records[:limit])
	return out, nil
}
