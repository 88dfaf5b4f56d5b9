// Package cache keeps the bootstrap catalog in Redis so a wave of devices
// powering on at doors-open does not hit the database once per device.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ticketing/scanner-service/internal/codec"
	"ticketing/scanner-service/internal/models"
)

const catalogKeyPrefix = "scanner:catalog:"

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type CatalogCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCatalogCache connects and pings Redis.
func NewCatalogCache(ctx context.Context, options Options) (*CatalogCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         options.Addr,
		Password:     options.Password,
		DB:           options.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewCatalogCacheWithClient(client, options.TTL), nil
}

func NewCatalogCacheWithClient(client *redis.Client, ttl time.Duration) *CatalogCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CatalogCache{client: client, ttl: ttl}
}

// CatalogKey buckets the window cutoff by minute so every device asking
// within the same minute shares one entry.
func CatalogKey(cutoff time.Time) string {
	return fmt.Sprintf("%s%d", catalogKeyPrefix, cutoff.UTC().Truncate(time.Minute).Unix())
}

// GetCatalog returns ok=false on a miss.
func (c *CatalogCache) GetCatalog(ctx context.Context, key string) ([]models.Event, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var events []models.Event
	if err := codec.Unmarshal(data, &events); err != nil {
		return nil, false, fmt.Errorf("decode cached catalog: %w", err)
	}
	return events, true, nil
}

func (c *CatalogCache) SetCatalog(ctx context.Context, key string, events []models.Event) error {
	data, err := codec.Marshal(events)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *CatalogCache) Close() error {
	return c.client.Close()
}
