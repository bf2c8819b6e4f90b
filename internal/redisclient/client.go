package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/project_stock.lua
var projectStockScript string

const pendingMarker = "PENDING"

var (
	// ErrKeyNotFound is returned when a cached stock value or idempotency key is absent
	ErrKeyNotFound = errors.New("key not found")
	// ErrInProgress is returned when an idempotency key is claimed but has no result yet
	ErrInProgress = errors.New("request in progress")
)

type Client struct {
	rdb           *redis.Client
	projectScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		projectScript: redis.NewScript(projectStockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// ProjectStock records the stock left after orderID, unless a later order is already reflected.
// Returns true if the value was applied.
func (c *Client) ProjectStock(ctx context.Context, productID int64, stock int, orderID int64) (bool, error) {
	result, err := c.projectScript.Run(ctx, c.rdb, []string{stockKey(productID)}, stock, orderID).Result()
	if err != nil {
		return false, fmt.Errorf("project stock script failed: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	return applied == 1, nil
}

// InitStock overwrites the cached stock and its order watermark
func (c *Client) InitStock(ctx context.Context, productID int64, stock int, watermark int64) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, stockKey(productID), "stock", stock, "order_id", watermark)

	_, err := pipe.Exec(ctx)
	return err
}

// GetStock retrieves the cached stock of a product
func (c *Client) GetStock(ctx context.Context, productID int64) (int, error) {
	val, err := c.rdb.HGet(ctx, stockKey(productID), "stock").Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("stock for product %d: %w", productID, ErrKeyNotFound)
	}
	if err != nil {
		return 0, err
	}

	stock, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid cached stock %q for product %d: %w", val, productID, err)
	}
	return stock, nil
}

// ClaimIdempotencyKey marks key as in progress. Returns false if the key already exists.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, idempotencyKey(key), pendingMarker, ttl).Result()
}

// CompleteIdempotencyKey stores the result for a claimed key
func (c *Client) CompleteIdempotencyKey(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), result, ttl).Err()
}

// GetIdempotencyResult returns the stored result for key,
// ErrInProgress while the key is claimed, or ErrKeyNotFound.
func (c *Client) GetIdempotencyResult(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, idempotencyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if string(val) == pendingMarker {
		return nil, ErrInProgress
	}
	return val, nil
}

// ReleaseIdempotencyKey removes a claim so the request can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idempotencyKey(key)).Err()
}
