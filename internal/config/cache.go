package config

import "time"

// PricingConfig configures the pricing client and its two cache levels.
// The in-process cache is always on; the Redis level is used only when a
// Redis client is available.
type PricingConfig struct {
	BaseURL   string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	RedisTTL  time.Duration
	Prefix    string
}

// LoadPricingConfig reads PRICING_* variables.
func LoadPricingConfig() PricingConfig {
	c := PricingConfig{
		BaseURL:   envStr("PRICING_BASE_URL", ""),
		Timeout:   envDur("PRICING_TIMEOUT", 2*time.Second),
		CacheTTL:  envDur("PRICING_CACHE_TTL", 30*time.Second),
		CacheSize: envInt("PRICING_CACHE_SIZE", 1024),
		RedisTTL:  envDur("PRICING_REDIS_TTL", 5*time.Minute),
		Prefix:    envStr("PRICING_CACHE_PREFIX", "pricing"),
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.CacheSize < 1 {
		c.CacheSize = 1
	}
	return c
}
