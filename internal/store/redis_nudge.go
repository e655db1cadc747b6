package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultRedisPrefix namespaces every key FlowPipe writes to Redis.
const DefaultRedisPrefix = "flowpipe:"

// RedisNudgeStore is a NudgeStore laid out as a time-bucketed index:
//
//	<prefix>nudge:user:<key>       JSON of the user's nudge
//	<prefix>nudge:bucket:<day>     ZSET of sort keys scored by due time
//	<prefix>nudge:buckets          ZSET of day buckets scored by day start
type RedisNudgeStore struct {
	client redis.UniversalClient
	prefix string
}

var _ NudgeStore = (*RedisNudgeStore)(nil)

// NewRedisNudgeStore wraps client. An empty prefix selects DefaultRedisPrefix.
func NewRedisNudgeStore(client redis.UniversalClient, prefix string) *RedisNudgeStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisNudgeStore{client: client, prefix: prefix}
}

func (s *RedisNudgeStore) userKey(user string) string     { return s.prefix + "nudge:user:" + user }
func (s *RedisNudgeStore) bucketKey(bucket string) string { return s.prefix + "nudge:bucket:" + bucket }
func (s *RedisNudgeStore) bucketsKey() string             { return s.prefix + "nudge:buckets" }

func (s *RedisNudgeStore) InsertNudge(ctx context.Context, n models.Nudge) error {
	prev, err := s.GetNudge(ctx, n.UserKey)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode nudge: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if prev != nil {
			p.ZRem(ctx, s.bucketKey(prev.Bucket()), prev.SortKey())
		}
		p.Set(ctx, s.userKey(n.UserKey), doc, 0)
		p.ZAdd(ctx, s.bucketKey(n.Bucket()), redis.Z{Score: float64(n.DueAtUnixMillis), Member: n.SortKey()})
		p.ZAdd(ctx, s.bucketsKey(), redis.Z{Score: float64(models.BucketStart(n.DueAtUnixMillis).UnixMilli()), Member: n.Bucket()})
		return nil
	})
	if err != nil {
		slog.Error("RedisNudgeStore.InsertNudge failed", "error", err, "user", n.UserKey)
		return fmt.Errorf("failed to insert nudge for %s: %w", n.UserKey, err)
	}
	slog.Debug("RedisNudgeStore.InsertNudge succeeded", "user", n.UserKey, "bucket", n.Bucket())
	return nil
}

func (s *RedisNudgeStore) GetNudge(ctx context.Context, userKey string) (*models.Nudge, error) {
	raw, err := s.client.Get(ctx, s.userKey(userKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.NewNotFound("nudge", userKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nudge for %s: %w", userKey, err)
	}
	var n models.Nudge
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to decode nudge for %s: %w", userKey, err)
	}
	return &n, nil
}

func (s *RedisNudgeStore) DeleteNudge(ctx context.Context, userKey string) error {
	prev, err := s.GetNudge(ctx, userKey)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.userKey(userKey))
		p.ZRem(ctx, s.bucketKey(prev.Bucket()), prev.SortKey())
		return nil
	})
	if err != nil {
		slog.Error("RedisNudgeStore.DeleteNudge failed", "error", err, "user", userKey)
		return fmt.Errorf("failed to delete nudge for %s: %w", userKey, err)
	}
	return nil
}

// ListDueNudges walks the day buckets in order and pages through each
// bucket's sort keys up to untilUnixMillis. Stale index entries are removed
// and do not count against limit. Buckets found empty are dropped.
func (s *RedisNudgeStore) ListDueNudges(ctx context.Context, untilUnixMillis int64, limit int) ([]models.Nudge, error) {
	dayStart := models.BucketStart(untilUnixMillis).UnixMilli()
	buckets, err := s.client.ZRangeByScore(ctx, s.bucketsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(dayStart, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nudge buckets: %w", err)
	}

	var due []models.Nudge
	for _, bucket := range buckets {
		if limit > 0 && len(due) >= limit {
			break
		}
		pruned, err := s.readBucket(ctx, bucket, untilUnixMillis, limit, &due)
		if err != nil {
			return nil, err
		}
		if pruned {
			s.dropIfEmpty(ctx, bucket)
		}
	}
	return due, nil
}

// readBucket appends the bucket's live due nudges to due until limit is
// reached or the bucket's due range runs out. It reports whether the bucket
// may now be empty.
func (s *RedisNudgeStore) readBucket(ctx context.Context, bucket string, untilUnixMillis int64, limit int, due *[]models.Nudge) (bool, error) {
	var (
		offset int64
		stale  []any
		found  bool
	)
	for {
		rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(untilUnixMillis, 10)}
		if limit > 0 {
			rng.Offset = offset
			rng.Count = int64(limit - len(*due))
		}
		sortKeys, err := s.client.ZRangeByScore(ctx, s.bucketKey(bucket), rng).Result()
		if err != nil {
			return found, fmt.Errorf("failed to read nudge bucket %s: %w", bucket, err)
		}
		if len(sortKeys) > 0 {
			found = true
		}
		for _, sk := range sortKeys {
			n, err := s.liveNudge(ctx, sk)
			if err != nil {
				return found, err
			}
			if n == nil {
				stale = append(stale, sk)
				continue
			}
			*due = append(*due, *n)
		}
		offset += int64(len(sortKeys))
		if limit <= 0 || len(*due) >= limit || int64(len(sortKeys)) < rng.Count {
			break
		}
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.bucketKey(bucket), stale...).Err(); err != nil {
			slog.Warn("RedisNudgeStore: failed to drop stale index entries", "bucket", bucket, "count", len(stale), "error", err)
		}
	}
	return !found || len(stale) > 0, nil
}

// liveNudge resolves a sort key to the user's nudge, or nil when the entry
// was left by a replaced or deleted nudge.
func (s *RedisNudgeStore) liveNudge(ctx context.Context, sortKey string) (*models.Nudge, error) {
	_, user, ok := strings.Cut(sortKey, "#")
	if !ok {
		return nil, nil
	}
	n, err := s.GetNudge(ctx, user)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n.SortKey() != sortKey {
		return nil, nil
	}
	return n, nil
}

func (s *RedisNudgeStore) dropIfEmpty(ctx context.Context, bucket string) {
	n, err := s.client.ZCard(ctx, s.bucketKey(bucket)).Result()
	if err != nil || n > 0 {
		return
	}
	if err := s.client.ZRem(ctx, s.bucketsKey(), bucket).Err(); err != nil {
		slog.Warn("RedisNudgeStore: failed to drop empty bucket", "bucket", bucket, "error", err)
	}
}
