package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

// Options are the command line flags and environment variables shared by the
// server and the CLI.
type Options struct {
	// Storage configuration
	DBPath     string `long:"db-path" env:"DB_PATH" default:"./data/feeds.db" description:"SQLite database file"`
	ConfigPath string `long:"config-path" env:"CONFIG_PATH" default:"./data/configuration.yml" description:"Configuration projection file (empty keeps it in memory)"`

	// Fetch configuration
	ProxyBase          string `long:"proxy-base" env:"PROXY_BASE" default:"https://us-central1-lobs-159411.cloudfunctions.net" description:"CORS proxy base URL (empty fetches directly)"`
	FetchTimeout       int    `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"Fetch timeout in seconds"`
	RefreshConcurrency int    `long:"refresh-concurrency" env:"REFRESH_CONCURRENCY" default:"4" description:"Number of feeds refreshed in parallel"`
	UserAgent          string `long:"user-agent" env:"USER_AGENT" default:"RSS Reader/1.0" description:"User agent string for HTTP requests"`

	// Application configuration
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background workers"`
	SchedulerInterval int    `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"300" description:"Background refresh interval in seconds"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load parses os.Args and the environment. It returns nil, nil when help was
// requested.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Cfg, error) {
	var opts Options

	parser := flags.NewParser(&opts, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return Apply(&opts)
}

// Apply validates parsed options and makes them the global configuration.
func Apply(opts *Options) (*Cfg, error) {
	if opts.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %d", opts.FetchTimeout)
	}
	if opts.SchedulerInterval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %d", opts.SchedulerInterval)
	}

	cfg := &Cfg{
		DBPath:             opts.DBPath,
		ConfigPath:         opts.ConfigPath,
		ProxyBase:          opts.ProxyBase,
		FetchTimeout:       time.Duration(opts.FetchTimeout) * time.Second,
		RefreshConcurrency: opts.RefreshConcurrency,
		UserAgent:          opts.UserAgent,
		Port:               opts.Port,
		WorkerCount:        opts.WorkerCount,
		SchedulerInterval:  time.Duration(opts.SchedulerInterval) * time.Second,
		APIAccessKey:       opts.APIAccessKey,
		Timezone:           opts.Timezone,
		Debug:              opts.Debug,
		Version:            GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
