package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
	"github.com/alfredjeanlab/outreach/internal/policy"
)

// envVars lists every variable Load reads, cleared between tests.
var envVars = []string{
	"OUTREACH_DATABASE_URL", "OUTREACH_GRPC_ADDR", "OUTREACH_HTTP_ADDR", "OUTREACH_NATS_URL",
	"OUTREACH_AUTH_TOKEN", "OUTREACH_LOG_LEVEL", "OUTREACH_WORKERS", "OUTREACH_BATCH_SIZE",
	"OUTREACH_POLL_INTERVAL", "OUTREACH_LEASE_TTL", "OUTREACH_SEND_TIMEOUT",
	"OUTREACH_QUIET_START", "OUTREACH_QUIET_END", "OUTREACH_POLICY_FILE", "OUTREACH_ADAPTER_TOKEN",
	"OUTREACH_EXPORT_INTERVAL", "OUTREACH_EXPORT_S3_BUCKET", "OUTREACH_EXPORT_S3_ENDPOINT",
	"OUTREACH_EXPORT_S3_REGION", "OUTREACH_EXPORT_S3_PREFIX", "OUTREACH_EXPORT_DIR",
	"OUTREACH_DAILY_CAP_EMAIL", "OUTREACH_DAILY_CAP_LINKEDIN", "OUTREACH_DAILY_CAP_SMS", "OUTREACH_DAILY_CAP_VOICE",
	"OUTREACH_ADAPTER_EMAIL", "OUTREACH_ADAPTER_LINKEDIN", "OUTREACH_ADAPTER_SMS", "OUTREACH_ADAPTER_VOICE",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range envVars {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantGRPCAddr string
		wantHTTPAddr string
		wantNATSURL  string
	}{
		{
			name:         "Defaults",
			env:          map[string]string{},
			wantGRPCAddr: ":9090",
			wantHTTPAddr: ":8080",
		},
		{
			name: "CustomAddresses",
			env: map[string]string{
				"OUTREACH_DATABASE_URL": "postgres://db:5432/outreach",
				"OUTREACH_GRPC_ADDR":    ":5050",
				"OUTREACH_HTTP_ADDR":    ":3000",
				"OUTREACH_NATS_URL":     "nats://localhost:4222",
			},
			wantGRPCAddr: ":5050",
			wantHTTPAddr: ":3000",
			wantNATSURL:  "nats://localhost:4222",
		},
		{
			name:    "InvalidWorkers",
			env:     map[string]string{"OUTREACH_WORKERS": "many"},
			wantErr: true,
		},
		{
			name:    "InvalidPollInterval",
			env:     map[string]string{"OUTREACH_POLL_INTERVAL": "soon"},
			wantErr: true,
		},
		{
			name:    "LeaseShorterThanSendTimeout",
			env:     map[string]string{"OUTREACH_LEASE_TTL": "10s", "OUTREACH_SEND_TIMEOUT": "30s"},
			wantErr: true,
		},
		{
			name:    "InvalidLogLevel",
			env:     map[string]string{"OUTREACH_LOG_LEVEL": "chatty"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
		})
	}
}

func TestLoad_SchedulerAndChannels(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("OUTREACH_WORKERS", "16")
	t.Setenv("OUTREACH_POLL_INTERVAL", "1s")
	t.Setenv("OUTREACH_LOG_LEVEL", "debug")
	t.Setenv("OUTREACH_DAILY_CAP_EMAIL", "200")
	t.Setenv("OUTREACH_ADAPTER_SMS", "nats")
	t.Setenv("OUTREACH_ADAPTER_EMAIL", "https://mail-gateway.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 16 || cfg.BatchSize != 100 || cfg.PollInterval != time.Second {
		t.Errorf("scheduler = workers %d batch %d poll %v", cfg.Workers, cfg.BatchSize, cfg.PollInterval)
	}
	if cfg.LeaseTTL != 2*time.Minute || cfg.SendTimeout != 30*time.Second {
		t.Errorf("lease %v send timeout %v", cfg.LeaseTTL, cfg.SendTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.DailyCaps[model.ChannelEmail] != 200 || cfg.DailyCaps[model.ChannelSMS] != 0 {
		t.Errorf("DailyCaps = %v", cfg.DailyCaps)
	}
	if cfg.Adapters[model.ChannelSMS] != "nats" || cfg.Adapters[model.ChannelVoice] != "dryrun" ||
		cfg.Adapters[model.ChannelEmail] != "https://mail-gateway.internal" {
		t.Errorf("Adapters = %v", cfg.Adapters)
	}
	if cfg.ExportInterval != 15*time.Minute || cfg.ExportS3Prefix != "outreach/" {
		t.Errorf("export = %v %q", cfg.ExportInterval, cfg.ExportS3Prefix)
	}
}

func TestPolicyRules(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("OUTREACH_QUIET_START", "09:00")
	t.Setenv("OUTREACH_DAILY_CAP_EMAIL", "100")
	t.Setenv("OUTREACH_DAILY_CAP_SMS", "50")

	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte(`
[default]
end = "17:00"

[channels.sms]
daily_cap = 10
`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OUTREACH_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	def, rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatal(err)
	}
	if def.Window.Start != policy.MustClock("09:00") || def.Window.End != policy.MustClock("17:00") {
		t.Errorf("default window = %v-%v", def.Window.Start, def.Window.End)
	}
	if rules[model.ChannelEmail].DailyCap != 100 || rules[model.ChannelEmail].Window.End != policy.MustClock("17:00") {
		t.Errorf("email rule = %+v", rules[model.ChannelEmail])
	}
	if rules[model.ChannelSMS].DailyCap != 10 {
		t.Errorf("file cap should win for sms, got %d", rules[model.ChannelSMS].DailyCap)
	}
}

func TestPolicyRules_InvalidClock(t *testing.T) {
	cfg := &Config{QuietStart: "8am", QuietEnd: "18:00"}
	if _, _, err := cfg.PolicyRules(); err == nil {
		t.Fatal("expected error")
	}
}
