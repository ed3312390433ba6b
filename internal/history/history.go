// Package history persists batch reports to Redis so past runs can be
// compared with `bgprobe report`. Optional: the harness runs fine without a
// Redis address configured.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/osvaldoandrade/bgprobe/pkg/domain"
)

type Store interface {
	Save(ctx context.Context, report domain.BatchReport) error
	List(ctx context.Context, limit int) ([]domain.BatchReport, error)
}

type redisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &redisStore{rdb: rdb, ttl: ttl}
}

func (s *redisStore) keyIndex() string { return "bgprobe:reports" }
func (s *redisStore) keyReport(group string, finished time.Time) string {
	return fmt.Sprintf("bgprobe:report:%s:%d", group, finished.UnixNano())
}

func (s *redisStore) Save(ctx context.Context, report domain.BatchReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := s.keyReport(report.TaskGroup, report.FinishedAt)
	if err := s.rdb.Set(ctx, key, string(b), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET report: %w", err)
	}
	z := &redis.Z{Score: float64(report.FinishedAt.UTC().UnixNano()), Member: key}
	if err := s.rdb.ZAdd(ctx, s.keyIndex(), z).Err(); err != nil {
		return fmt.Errorf("redis ZADD report index: %w", err)
	}
	return nil
}

// List returns up to limit reports, most recent first. Index entries whose
// report key already expired are skipped and pruned.
func (s *redisStore) List(ctx context.Context, limit int) ([]domain.BatchReport, error) {
	if limit <= 0 {
		limit = 10
	}
	keys, err := s.rdb.ZRevRange(ctx, s.keyIndex(), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis ZREVRANGE report index: %w", err)
	}

	reports := make([]domain.BatchReport, 0, len(keys))
	for _, key := range keys {
		js, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil || js == "" {
			_ = s.rdb.ZRem(ctx, s.keyIndex(), key).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis GET report: %w", err)
		}
		var r domain.BatchReport
		if err := json.Unmarshal([]byte(js), &r); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
