package orchestrator

import "github.com/joeycumines/logiface"

// Defaults chosen to be reasonable for a cold-started guest: promote
// fairly early, tolerate a handful of guard failures before giving up
// on a speculation, and scan for promotions often enough to matter
// without scanning every single dispatch.
const (
	defaultS2Threshold           = 10_000
	defaultDeoptFailureThreshold = 5
	defaultPromotionScanInterval = 1_000
	defaultPromotionBatchMax     = 8
)

// Config holds the orchestrator's tunables. Use the With* options with
// New rather than constructing this directly.
type Config struct {
	s2Threshold           uint64
	deoptFailureThreshold uint64
	promotionScanInterval uint64
	promotionBatchMax     int
	log                   *logiface.Logger[logiface.Event]
}

// Option configures a Config.
type Option func(*Config)

// WithS2Threshold sets the per-block execution count at which a block
// becomes a candidate for S2 recompilation.
func WithS2Threshold(n uint64) Option {
	return func(c *Config) { c.s2Threshold = n }
}

// WithDeoptFailureThreshold sets the per-guard failure count after
// which that guard's kind is disabled at its guest RIP.
func WithDeoptFailureThreshold(n uint64) Option {
	return func(c *Config) { c.deoptFailureThreshold = n }
}

// WithPromotionScanInterval sets how many dispatches occur between
// promotion scans.
func WithPromotionScanInterval(n uint64) Option {
	return func(c *Config) { c.promotionScanInterval = n }
}

// WithPromotionBatchMax caps how many S2 candidates a single promotion
// scan surfaces.
func WithPromotionBatchMax(n int) Option {
	return func(c *Config) { c.promotionBatchMax = n }
}

// WithLogger attaches a structured logger for dispatch misses,
// promotions, and deopts. Cache hits are never logged, to keep the hot
// path allocation-free. Omitting this option leaves the orchestrator
// silent.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return func(c *Config) { c.log = log }
}

func newConfig(opts ...Option) Config {
	c := Config{
		s2Threshold:           defaultS2Threshold,
		deoptFailureThreshold: defaultDeoptFailureThreshold,
		promotionScanInterval: defaultPromotionScanInterval,
		promotionBatchMax:     defaultPromotionBatchMax,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.promotionScanInterval == 0 {
		panic(`nvmjit/orchestrator: promotion scan interval must be > 0`)
	}
	if c.promotionBatchMax <= 0 {
		panic(`nvmjit/orchestrator: promotion batch max must be > 0`)
	}
	return c
}
