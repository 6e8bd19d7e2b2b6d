package codecache

import "fmt"

// defaultExecPoolSize bounds the size of the very first executable pool
// a cache allocates, regardless of how large InitialSize is asked for.
const defaultExecPoolSize = 16 * 1024 * 1024

// Config controls a CodeCache's sizing and growth behavior.
type Config struct {
	initialSize  uint64
	maxSize      uint64
	growthFactor float64
}

// Option configures a CodeCache at construction time.
type Option func(*Config)

// WithInitialSize sets the cache's starting size budget.
func WithInitialSize(v uint64) Option {
	return func(c *Config) { c.initialSize = v }
}

// WithHardMaxSize sets the cache's absolute size ceiling; expansion
// never grows the cache beyond this.
func WithHardMaxSize(v uint64) Option {
	return func(c *Config) { c.maxSize = v }
}

// WithGrowthFactor sets the multiplier applied to the initial pool size
// when the cache expands.
func WithGrowthFactor(v float64) Option {
	return func(c *Config) { c.growthFactor = v }
}

func newConfig(opts ...Option) Config {
	c := Config{
		initialSize:  defaultExecPoolSize,
		maxSize:      defaultExecPoolSize,
		growthFactor: 1.0,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.initialSize == 0 {
		panic(`codecache: initial size must be positive`)
	}
	if c.maxSize < c.initialSize {
		panic(fmt.Errorf(`codecache: max size %d is smaller than initial size %d`, c.maxSize, c.initialSize))
	}
	if c.growthFactor < 1.0 {
		panic(fmt.Errorf(`codecache: growth factor %v must be >= 1.0`, c.growthFactor))
	}
	return c
}
