package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/dropshare/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached file metadata (5 minutes)
	CacheTTL = 5 * time.Minute
)

// RedisClient caches file metadata by slug and keeps per-user drop listings
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromConn wraps an existing go-redis client.
func NewRedisClientFromConn(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func fileKey(slug string) string {
	return fmt.Sprintf("file:%s", slug)
}

func dropsKey(userID string) string {
	return fmt.Sprintf("drops:%s", userID)
}

// GetFile retrieves cached file metadata. A miss returns (nil, nil).
func (rc *RedisClient) GetFile(ctx context.Context, slug string) (*models.File, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file",
		trace.WithAttributes(
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, fileKey(slug)).Result()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.File
	if err := json.Unmarshal([]byte(data), &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &file, nil
}

// SetFile caches file metadata under its slug
func (rc *RedisClient) SetFile(ctx context.Context, file *models.File) error {
	ctx, span := tracer.Start(ctx, "redis.set_file",
		trace.WithAttributes(
			attribute.String("slug", file.Slug),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := rc.client.Set(ctx, fileKey(file.Slug), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// InvalidateFile removes cached metadata for a slug
func (rc *RedisClient) InvalidateFile(ctx context.Context, slug string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file",
		trace.WithAttributes(
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, fileKey(slug)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// AddDrop stores a drop in the user's hash, keyed by slug.
func (rc *RedisClient) AddDrop(ctx context.Context, drop *models.UserDrop) error {
	ctx, span := tracer.Start(ctx, "redis.add_drop",
		trace.WithAttributes(
			attribute.String("user_id", drop.UserID),
			attribute.String("slug", drop.Slug),
		),
	)
	defer span.End()

	data, err := json.Marshal(drop)
	if err != nil {
		return fmt.Errorf("failed to marshal drop: %w", err)
	}

	if err := rc.client.HSet(ctx, dropsKey(drop.UserID), drop.Slug, data).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store drop: %w", err)
	}
	return nil
}

// ListDrops returns the user's drops, newest first
func (rc *RedisClient) ListDrops(ctx context.Context, userID string) ([]*models.UserDrop, error) {
	ctx, span := tracer.Start(ctx, "redis.list_drops",
		trace.WithAttributes(
			attribute.String("user_id", userID),
		),
	)
	defer span.End()

	entries, err := rc.client.HGetAll(ctx, dropsKey(userID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list drops: %w", err)
	}

	drops := make([]*models.UserDrop, 0, len(entries))
	for _, raw := range entries {
		var d models.UserDrop
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to unmarshal drop: %w", err)
		}
		drops = append(drops, &d)
	}
	sortDrops(drops)

	span.SetAttributes(attribute.Int("drop_count", len(drops)))
	return drops, nil
}

// RemoveDrop deletes one drop; removed is false if it did not exist
func (rc *RedisClient) RemoveDrop(ctx context.Context, userID, slug string) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.remove_drop",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("slug", slug),
		),
	)
	defer span.End()

	n, err := rc.client.HDel(ctx, dropsKey(userID), slug).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to remove drop: %w", err)
	}
	return n > 0, nil
}
