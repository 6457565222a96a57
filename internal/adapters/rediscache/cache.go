// Package rediscache implements the position cache read by the trading bots.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"alphaTradeSync/internal/domain"
	"alphaTradeSync/internal/ports"
)

// Key layout the bots read:
//
//	position:{bot}:{symbol}          plain size, "0.5"
//	position:{bot}:{symbol}:details  hash with size, side, avg_price,
//	                                 unrealized_pnl, last_update
const keyPrefix = "position"

// Cache implements ports.PositionCache on Redis.
type Cache struct {
	client *redis.Client
	logger ports.Logger
}

// Config holds configuration for the Redis cache adapter.
type Config struct {
	Addr     string
	Password string
	DB       int
	Logger   ports.Logger
}

// New creates a Redis cache adapter and verifies connectivity.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Redis cache")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w: %v", addr, ports.ErrCacheUnavailable, err)
	}
	cfg.Logger.Info(context.Background(), "Redis cache connected", map[string]interface{}{"addr": addr, "db": cfg.DB})
	return &Cache{client: client, logger: cfg.Logger}, nil
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

func positionKey(botID, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, botID, symbol)
}

func detailsKey(botID, symbol string) string {
	return positionKey(botID, symbol) + ":details"
}

// SetPosition writes both the plain size key and the details hash in one
// pipeline so the bots never observe them out of step.
func (c *Cache) SetPosition(ctx context.Context, snap *domain.PositionSnapshot) error {
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, positionKey(snap.BotID, snap.Symbol),
		strconv.FormatFloat(snap.Size, 'f', -1, 64), 0)
	pipe.HSet(ctx, detailsKey(snap.BotID, snap.Symbol), map[string]interface{}{
		"size":           strconv.FormatFloat(snap.Size, 'f', -1, 64),
		"side":           string(snap.Side),
		"avg_price":      strconv.FormatFloat(snap.AvgEntryPrice, 'f', -1, 64),
		"unrealized_pnl": strconv.FormatFloat(snap.UnrealizedPnL, 'f', -1, 64),
		"last_update":    snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write position %s/%s: %w: %v",
			snap.BotID, snap.Symbol, ports.ErrCacheUnavailable, err)
	}
	return nil
}

// GetPosition returns the snapshot, or nil when the bot is flat.
func (c *Cache) GetPosition(ctx context.Context, botID, symbol string) (*domain.PositionSnapshot, error) {
	fields, err := c.client.HGetAll(ctx, detailsKey(botID, symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read position %s/%s: %w: %v",
			botID, symbol, ports.ErrCacheUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	snap := &domain.PositionSnapshot{
		BotID:  botID,
		Symbol: symbol,
		Side:   domain.FillSide(fields["side"]),
	}
	snap.Size, _ = strconv.ParseFloat(fields["size"], 64)
	snap.AvgEntryPrice, _ = strconv.ParseFloat(fields["avg_price"], 64)
	snap.UnrealizedPnL, _ = strconv.ParseFloat(fields["unrealized_pnl"], 64)
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_update"]); err == nil {
		snap.UpdatedAt = ts
	}
	return snap, nil
}

// DeletePosition removes both keys for (bot, symbol).
func (c *Cache) DeletePosition(ctx context.Context, botID, symbol string) error {
	if err := c.client.Del(ctx, positionKey(botID, symbol), detailsKey(botID, symbol)).Err(); err != nil {
		return fmt.Errorf("failed to delete position %s/%s: %w: %v",
			botID, symbol, ports.ErrCacheUnavailable, err)
	}
	return nil
}
