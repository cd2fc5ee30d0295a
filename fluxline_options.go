package fluxline

import "time"

type engineConfig struct {
	path        *string
	destructive bool

	store Store

	workers      int
	pollInterval time.Duration
	claimLease   time.Duration
	stepTimeout  time.Duration

	policy *RetryPolicy
	logger Logger
}

type engineOption func(*engineConfig)

func WithLogger(logger Logger) engineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithPath persists state in a sqlite database at path.
func WithPath(path string) engineOption {
	return func(c *engineConfig) {
		c.path = &path
	}
}

// WithMemory keeps all state in memory. This is the default.
func WithMemory() engineOption {
	return func(c *engineConfig) {
		c.path = nil
	}
}

// WithDestructive removes an existing database file before opening it.
func WithDestructive() engineOption {
	return func(c *engineConfig) {
		c.destructive = true
	}
}

// WithStore plugs in an externally constructed store. Several engines sharing
// one store compete for due executions through the claim lease.
func WithStore(store Store) engineOption {
	return func(c *engineConfig) {
		c.store = store
	}
}

func WithWorkers(n int) engineOption {
	return func(c *engineConfig) {
		c.workers = n
	}
}

func WithPollInterval(d time.Duration) engineOption {
	return func(c *engineConfig) {
		c.pollInterval = d
	}
}

// WithClaimLease sets how long a claimed execution stays fenced before it
// becomes re-claimable.
func WithClaimLease(d time.Duration) engineOption {
	return func(c *engineConfig) {
		c.claimLease = d
	}
}

// WithDefaultStepTimeout bounds step handlers that do not set their own
// timeout.
func WithDefaultStepTimeout(d time.Duration) engineOption {
	return func(c *engineConfig) {
		c.stepTimeout = d
	}
}

func WithRetryPolicy(policy *RetryPolicy) engineOption {
	return func(c *engineConfig) {
		c.policy = policy
	}
}
