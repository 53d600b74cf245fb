package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// mirrorTTL keeps yesterday's hash around long enough for late readers.
const mirrorTTL = 48 * time.Hour

// Mirror publishes usage counters to Redis so that sibling replicas and
// dashboards can observe key consumption without touching the database.
// It is observability only: key-state ownership stays with the one process
// that runs the pools.
type Mirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewMirror creates a Mirror on an existing Redis client.
func NewMirror(client *redis.Client, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{client: client, logger: logger}
}

func mirrorKey(day string) string {
	return "keyrouter:usage:" + day
}

// Set stores the absolute count for one key on one day.
func (m *Mirror) Set(ctx context.Context, provider string, keyIndex int, day string, count int) error {
	key := mirrorKey(day)
	field := fmt.Sprintf("%s:%d", provider, keyIndex)

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, key, field, count)
	pipe.Expire(ctx, key, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror usage to redis: %w", err)
	}
	return nil
}

// LoadDay reads back every mirrored count for one UTC day. Malformed fields
// are skipped with a warning rather than failing the whole read.
func (m *Mirror) LoadDay(ctx context.Context, day time.Time) (map[string]map[int]int, error) {
	fields, err := m.client.HGetAll(ctx, mirrorKey(day.UTC().Format(dayFormat))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage mirror: %w", err)
	}

	out := make(map[string]map[int]int)
	for field, value := range fields {
		sep := strings.LastIndex(field, ":")
		if sep <= 0 {
			m.logger.Warn("skipping malformed mirror field", zap.String("field", field))
			continue
		}
		provider := field[:sep]
		idx, err := strconv.Atoi(field[sep+1:])
		if err != nil {
			m.logger.Warn("skipping malformed mirror field", zap.String("field", field))
			continue
		}
		count, err := strconv.Atoi(value)
		if err != nil {
			m.logger.Warn("skipping malformed mirror value", zap.String("field", field))
			continue
		}
		if out[provider] == nil {
			out[provider] = make(map[int]int)
		}
		out[provider][idx] = count
	}
	return out, nil
}
