package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/policy"
)

type Config struct {
	DatabaseURL string // OUTREACH_DATABASE_URL (optional, empty = in-memory store)
	GRPCAddr    string // OUTREACH_GRPC_ADDR (default ":9090")
	HTTPAddr    string // OUTREACH_HTTP_ADDR (default ":8080")
	NATSURL     string // OUTREACH_NATS_URL (optional, empty = no events)
	AuthToken   string // OUTREACH_AUTH_TOKEN (optional, empty = auth disabled)
	LogLevel    slog.Level

	// Scheduler settings
	Workers      int           // OUTREACH_WORKERS (default 8)
	BatchSize    int           // OUTREACH_BATCH_SIZE (default 100)
	PollInterval time.Duration // OUTREACH_POLL_INTERVAL (default 5s)
	LeaseTTL     time.Duration // OUTREACH_LEASE_TTL (default 2m)
	SendTimeout  time.Duration // OUTREACH_SEND_TIMEOUT (default 30s)

	// Policy settings
	QuietStart   string                   // OUTREACH_QUIET_START (default "08:00")
	QuietEnd     string                   // OUTREACH_QUIET_END (default "18:00")
	DailyCaps    map[model.Channel]int    // OUTREACH_DAILY_CAP_<CHANNEL>
	PolicyFile   string                   // OUTREACH_POLICY_FILE (optional TOML overrides)
	Adapters     map[model.Channel]string // OUTREACH_ADAPTER_<CHANNEL>: "dryrun", "nats", "none", or a gateway URL
	AdapterToken string                   // OUTREACH_ADAPTER_TOKEN (bearer token for HTTP gateways)

	// Export settings
	ExportInterval   time.Duration // OUTREACH_EXPORT_INTERVAL (default 15m; 0 = disabled)
	ExportS3Bucket   string        // OUTREACH_EXPORT_S3_BUCKET (enables export when set)
	ExportS3Endpoint string        // OUTREACH_EXPORT_S3_ENDPOINT (custom endpoint for MinIO)
	ExportS3Region   string        // OUTREACH_EXPORT_S3_REGION (default "us-east-1")
	ExportS3Prefix   string        // OUTREACH_EXPORT_S3_PREFIX (default "outreach/")
	ExportDir        string        // OUTREACH_EXPORT_DIR (local snapshot directory, optional)
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:      os.Getenv("OUTREACH_DATABASE_URL"),
		GRPCAddr:         envOrDefault("OUTREACH_GRPC_ADDR", ":9090"),
		HTTPAddr:         envOrDefault("OUTREACH_HTTP_ADDR", ":8080"),
		NATSURL:          os.Getenv("OUTREACH_NATS_URL"),
		AuthToken:        os.Getenv("OUTREACH_AUTH_TOKEN"),
		QuietStart:       envOrDefault("OUTREACH_QUIET_START", "08:00"),
		QuietEnd:         envOrDefault("OUTREACH_QUIET_END", "18:00"),
		PolicyFile:       os.Getenv("OUTREACH_POLICY_FILE"),
		AdapterToken:     os.Getenv("OUTREACH_ADAPTER_TOKEN"),
		ExportS3Bucket:   os.Getenv("OUTREACH_EXPORT_S3_BUCKET"),
		ExportS3Endpoint: os.Getenv("OUTREACH_EXPORT_S3_ENDPOINT"),
		ExportS3Region:   envOrDefault("OUTREACH_EXPORT_S3_REGION", "us-east-1"),
		ExportS3Prefix:   envOrDefault("OUTREACH_EXPORT_S3_PREFIX", "outreach/"),
		ExportDir:        os.Getenv("OUTREACH_EXPORT_DIR"),
		DailyCaps:        make(map[model.Channel]int),
		Adapters:         make(map[model.Channel]string),
	}

	if err := c.LogLevel.UnmarshalText([]byte(envOrDefault("OUTREACH_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("OUTREACH_LOG_LEVEL: %w", err)
	}

	var err error
	if c.Workers, err = envInt("OUTREACH_WORKERS", 8); err != nil {
		return nil, err
	}
	if c.BatchSize, err = envInt("OUTREACH_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if c.PollInterval, err = envDuration("OUTREACH_POLL_INTERVAL", "5s"); err != nil {
		return nil, err
	}
	if c.LeaseTTL, err = envDuration("OUTREACH_LEASE_TTL", "2m"); err != nil {
		return nil, err
	}
	if c.SendTimeout, err = envDuration("OUTREACH_SEND_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if c.LeaseTTL <= c.SendTimeout {
		return nil, fmt.Errorf("OUTREACH_LEASE_TTL (%s) must exceed OUTREACH_SEND_TIMEOUT (%s)", c.LeaseTTL, c.SendTimeout)
	}
	if c.ExportInterval, err = envDuration("OUTREACH_EXPORT_INTERVAL", "15m"); err != nil {
		return nil, err
	}

	for _, ch := range model.Channels {
		suffix := strings.ToUpper(string(ch))
		if c.DailyCaps[ch], err = envInt("OUTREACH_DAILY_CAP_"+suffix, 0); err != nil {
			return nil, err
		}
		c.Adapters[ch] = envOrDefault("OUTREACH_ADAPTER_"+suffix, "dryrun")
	}

	return c, nil
}

// PolicyRules resolves the quiet-hours window and caps from the environment,
// then applies the optional policy file on top.
func (c *Config) PolicyRules() (policy.Rule, map[model.Channel]policy.Rule, error) {
	start, err := policy.ParseClock(c.QuietStart)
	if err != nil {
		return policy.Rule{}, nil, fmt.Errorf("OUTREACH_QUIET_START: %w", err)
	}
	end, err := policy.ParseClock(c.QuietEnd)
	if err != nil {
		return policy.Rule{}, nil, fmt.Errorf("OUTREACH_QUIET_END: %w", err)
	}
	def := policy.Rule{Window: policy.Window{Start: start, End: end}}
	rules := make(map[model.Channel]policy.Rule)

	if c.PolicyFile != "" {
		fc, err := policy.LoadFile(c.PolicyFile)
		if err != nil {
			return policy.Rule{}, nil, err
		}
		if def, rules, err = fc.Resolve(def); err != nil {
			return policy.Rule{}, nil, err
		}
	}

	// Environment caps fill in channels the file leaves uncapped.
	for ch, limit := range c.DailyCaps {
		if limit <= 0 {
			continue
		}
		r, ok := rules[ch]
		if !ok {
			r = def
		}
		if r.DailyCap == 0 {
			r.DailyCap = limit
		}
		rules[ch] = r
	}
	return def, rules, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
