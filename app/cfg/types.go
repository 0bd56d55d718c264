package cfg

import "time"

type Cfg struct {
	// Storage configuration
	DBPath     string
	ConfigPath string

	// Fetch configuration
	ProxyBase          string
	FetchTimeout       time.Duration
	RefreshConcurrency int
	UserAgent          string

	// Application configuration
	Port              string
	WorkerCount       int
	SchedulerInterval time.Duration
	APIAccessKey      string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
