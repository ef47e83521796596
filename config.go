package herald

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the dispatch engine and worker pool.
// Defaults mirror the platform's queue knobs; FromEnv overrides them
// from QUEUE_*-style environment variables.
type Config struct {
	// Concurrency is the maximum number of sends processed concurrently
	// per worker pool.
	Concurrency int `env:"QUEUE_CONCURRENCY" envDefault:"10"`

	// Queues is the list of queues this process will poll, in no
	// particular order — priority ordering happens inside the claim.
	Queues []string `env:"QUEUE_NAMES" envDefault:"transactional,bulk"`

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`

	// MaxAttempts is the default delivery attempt budget per job.
	MaxAttempts int `env:"QUEUE_RETRY_ATTEMPTS" envDefault:"3"`

	// RetryDelay is the base delay for the exponential retry backoff.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"2s"`

	// MaxRetryDelay caps the computed backoff delay.
	MaxRetryDelay time.Duration `env:"QUEUE_RETRY_MAX_DELAY" envDefault:"15m"`

	// DeliveryTimeout bounds a single provider call. A call exceeding it
	// counts as a transient failure.
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"30s"`

	// HeartbeatInterval is how often active jobs report liveness.
	HeartbeatInterval time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL" envDefault:"10s"`

	// VisibilityTimeout is how long a claimed job may go without a
	// heartbeat before it is reclaimed from a presumed-dead worker.
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with the platform defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"transactional", "bulk"},
		PollInterval:      1 * time.Second,
		MaxAttempts:       3,
		RetryDelay:        2 * time.Second,
		MaxRetryDelay:     15 * time.Minute,
		DeliveryTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		VisibilityTimeout: 60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// FromEnv loads configuration from the environment on top of the
// defaults.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
