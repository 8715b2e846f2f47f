// Package cache provides the Redis-backed idempotency cache. It is a
// disposable accelerator: the ledger remains the source of truth and every
// entry is derived from an already committed charge.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/picopay/picopay/internal/charge"
)

const (
	keyPrefix = "idempotency:"
	// Cache calls get their own budget so a slow Redis cannot stall the
	// ledger path.
	callTimeout = 2 * time.Second
)

// Redis caches charge results keyed by idempotency token with a fixed TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis constructs the cache. Entries expire after ttl.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Lookup returns the cached result for token. Any transport error degrades to
// a miss; the caller always has the durable path to fall back on.
func (r *Redis) Lookup(ctx context.Context, token uuid.UUID) (charge.Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, err := r.client.Get(ctx, keyPrefix+token.String()).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("cache lookup failed, falling back to ledger",
				slog.String("idempotency_key", token.String()), slog.Any("error", err))
		}
		return charge.Result{}, false
	}

	var result charge.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		r.logger.Warn("cache entry undecodable, falling back to ledger",
			slog.String("idempotency_key", token.String()), slog.Any("error", err))
		return charge.Result{}, false
	}
	return result, true
}

// Store writes the result for token. Errors are logged and swallowed; the
// charge already committed and must not fail on a cache outage.
func (r *Redis) Store(ctx context.Context, token uuid.UUID, result charge.Result) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	payload, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn("cache encode failed", slog.String("idempotency_key", token.String()), slog.Any("error", err))
		return
	}
	if err := r.client.Set(ctx, keyPrefix+token.String(), payload, r.ttl).Err(); err != nil {
		r.logger.Warn("cache store failed", slog.String("idempotency_key", token.String()), slog.Any("error", err))
		return
	}
	r.logger.Debug("cached charge result",
		slog.String("idempotency_key", token.String()),
		slog.Duration("ttl", r.ttl))
}

// Noop satisfies the cache contract without storing anything. Used when
// Redis is not configured; every lookup is a miss.
type Noop struct{}

func (Noop) Lookup(context.Context, uuid.UUID) (charge.Result, bool) { return charge.Result{}, false }

func (Noop) Store(context.Context, uuid.UUID, charge.Result) {}
