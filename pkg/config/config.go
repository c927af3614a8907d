package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the engine configuration. Precedence: defaults < flags <
// config file < environment.
type Options struct {
	DatabasePath    string        `yaml:"database_path"`
	ServerURL       string        `yaml:"server_url"`
	LogFile         string        `yaml:"log_file"`
	SyncInfoFile    string        `yaml:"sync_info_file"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	OutboxRetention time.Duration `yaml:"outbox_retention"`
	CacheGeneration string        `yaml:"cache_generation"`
}

// NewConfig parses args (flags), an optional YAML config file named by the
// -config flag, and environment variable overrides.
func NewConfig(args []string) (*Options, error) {
	fs := flag.NewFlagSet("storesync", flag.ContinueOnError)

	configFile := fs.String("config", "", "path to YAML config file")
	databasePath := fs.String("databasePath", "./storesync.db", "local database path")
	serverURL := fs.String("serverURL", "http://localhost:8080", "remote data service URL")
	logFile := fs.String("logFile", "storesync.log", "log file path")
	syncInfoFile := fs.String("syncInfoFile", "lastsync.txt", "last-sync timestamp file")
	requestTimeout := fs.Duration("requestTimeout", 15*time.Second, "per-request remote timeout")
	outboxRetention := fs.Duration("outboxRetention", 24*time.Hour, "outbox retention window")
	cacheGeneration := fs.String("cacheGeneration", "storesync-cache-v1", "network edge cache generation")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opt := &Options{
		DatabasePath:    *databasePath,
		ServerURL:       *serverURL,
		LogFile:         *logFile,
		SyncInfoFile:    *syncInfoFile,
		RequestTimeout:  *requestTimeout,
		OutboxRetention: *outboxRetention,
		CacheGeneration: *cacheGeneration,
	}

	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, opt); err != nil {
			return nil, err
		}
	}

	// Environment variables win over flags and file.
	if v, exists := os.LookupEnv("DATABASE_PATH"); exists {
		opt.DatabasePath = v
	}
	if v, exists := os.LookupEnv("SERVER_URL"); exists {
		opt.ServerURL = v
	}
	if v, exists := os.LookupEnv("LOG_FILE"); exists {
		opt.LogFile = v
	}
	if v, exists := os.LookupEnv("SYNC_INFO_FILE"); exists {
		opt.SyncInfoFile = v
	}
	if v, exists := os.LookupEnv("REQUEST_TIMEOUT"); exists {
		if d, err := time.ParseDuration(v); err == nil {
			opt.RequestTimeout = d
		}
	}
	if v, exists := os.LookupEnv("OUTBOX_RETENTION_HOURS"); exists {
		if h, err := strconv.Atoi(v); err == nil {
			opt.OutboxRetention = time.Duration(h) * time.Hour
		}
	}
	if v, exists := os.LookupEnv("CACHE_GENERATION"); exists {
		opt.CacheGeneration = v
	}

	return opt, nil
}
