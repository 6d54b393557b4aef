package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-reservation/internal/cache"
)

// CachedPricer fronts another Pricer with a local TTL+LRU cache and, when a
// Redis client is configured, a shared Redis cache behind it.  Redis
// errors are logged and treated as misses; they never fail a lookup.
type CachedPricer struct {
	next     Pricer
	local    *cache.TTLLRU[int64, int64]
	rdb      *redis.Client
	redisTTL time.Duration
	prefix   string
	log      *slog.Logger
}

// CachedPricerConfig sizes the two cache levels.
type CachedPricerConfig struct {
	LocalSize int
	LocalTTL  time.Duration
	RedisTTL  time.Duration
	Prefix    string
}

// NewCachedPricer wraps next.  rdb may be nil.
func NewCachedPricer(next Pricer, rdb *redis.Client, cfg CachedPricerConfig, log *slog.Logger) *CachedPricer {
	if cfg.Prefix == "" {
		cfg.Prefix = "pricing"
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedPricer{
		next:     next,
		local:    cache.New[int64, int64](cfg.LocalSize, cfg.LocalTTL),
		rdb:      rdb,
		redisTTL: cfg.RedisTTL,
		prefix:   cfg.Prefix,
		log:      log,
	}
}

func (p *CachedPricer) redisKey(eventID int64) string {
	return fmt.Sprintf("%s:event:%d", p.prefix, eventID)
}

func (p *CachedPricer) PriceForEvent(ctx context.Context, eventID int64) (int64, error) {
	if v, ok := p.local.Get(eventID); ok {
		return v, nil
	}
	if v, ok := p.fromRedis(ctx, eventID); ok {
		p.local.Put(eventID, v)
		return v, nil
	}
	v, err := p.next.PriceForEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}
	p.local.Put(eventID, v)
	p.toRedis(ctx, eventID, v)
	return v, nil
}

func (p *CachedPricer) fromRedis(ctx context.Context, eventID int64) (int64, bool) {
	if p.rdb == nil {
		return 0, false
	}
	s, err := p.rdb.Get(ctx, p.redisKey(eventID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.log.Warn("pricing cache read failed", "event_id", eventID, "error", err)
		}
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.log.Warn("pricing cache holds invalid value", "event_id", eventID, "value", s)
		return 0, false
	}
	return v, true
}

func (p *CachedPricer) toRedis(ctx context.Context, eventID, cents int64) {
	if p.rdb == nil || p.redisTTL <= 0 {
		return
	}
	if err := p.rdb.Set(ctx, p.redisKey(eventID), strconv.FormatInt(cents, 10), p.redisTTL).Err(); err != nil {
		p.log.Warn("pricing cache write failed", "event_id", eventID, "error", err)
	}
}
