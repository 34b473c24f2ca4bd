package queue

import "time"

// Config holds worker and backend tuning, populated from environment
// variables via github.com/caarlos0/env.
type Config struct {
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LeaseDuration     time.Duration `env:"QUEUE_LEASE_DURATION" envDefault:"5m"`
	HandlerTimeout    time.Duration `env:"QUEUE_HANDLER_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout   time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConcurrentJobs int           `env:"QUEUE_MAX_CONCURRENT_JOBS" envDefault:"10"`
	KeyPrefix         string        `env:"QUEUE_KEY_PREFIX" envDefault:"queue"`
}
