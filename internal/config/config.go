package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at startup and passed down explicitly.
// Nothing below internal/config reads the environment.
type Config struct {
	Relay         RelayConfig
	ChangeControl ChangeControlConfig
	NetBox        NetBoxConfig
	Git           GitConfig
	Runner        RunnerConfig
	Redis         RedisConfig
	PostgresDSN   string
}

type RelayConfig struct {
	ListenAddr string
	// HMAC secrets for the two inbound webhook providers.
	WebhookSecret string
	GiteaSecret   string
	// Files served by /status and /latest-report.
	StatusFile string
	ReportFile string
	Workers    int
}

type ChangeControlConfig struct {
	// Server is host:port of the change-control API gateway.
	Server string
	Token  string
	// Username and Password are the ansible cvp credentials carried into
	// the generated inventory vars. The streaming API uses Token only.
	Username string
	Password string
	// CertFile is an optional self-signed root CA for the gateway.
	CertFile     string
	PollInterval time.Duration
	Timeout      time.Duration
	// AutoApprove enables approval+execution right after scheduling a
	// change job. Off by default: someone has to click approve.
	AutoApprove bool
}

type NetBoxConfig struct {
	URL      string
	Token    string
	CertFile string
}

type GitConfig struct {
	RepoPath string
	Remote   string
	Branch   string
	// Token authenticates pushes to the gitea remote.
	Username string
	Token    string
}

type RunnerConfig struct {
	// EnvFile is sourced before every playbook invocation.
	EnvFile string
	// Playbooks run in order during a sync; TestPlaybook is the single
	// validation pass.
	Playbooks    []string
	TestPlaybook string
	StepTimeout  time.Duration
	// AllowedPaths limits what the test pass may commit.
	AllowedPaths []string
}

type RedisConfig struct {
	Addr          string
	QueueKey      string
	ProcessingKey string
}

// Load reads an optional .env file and builds the Config from the
// environment. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Relay: RelayConfig{
			ListenAddr:    envOr("RELAY_LISTEN_ADDR", ":5000"),
			WebhookSecret: os.Getenv("NETBOX_WEBHOOK_SECRET"),
			GiteaSecret:   os.Getenv("GITEA_WEBHOOK_SECRET"),
			StatusFile:    envOr("STATUS_FILE", "status/latest_cvaas_cc_job.name"),
			ReportFile:    envOr("REPORT_FILE", "reports/FABRIC-state.md"),
			Workers:       envIntOr("RELAY_WORKERS", 1),
		},
		ChangeControl: ChangeControlConfig{
			Server:       os.Getenv("CVP_SERVER"),
			Token:        os.Getenv("CVP_TOKEN"),
			Username:     os.Getenv("CVP_USERNAME"),
			Password:     os.Getenv("CVP_PASSWORD"),
			CertFile:     os.Getenv("CVP_CERT"),
			PollInterval: envDurationOr("CVP_POLL_INTERVAL", 30*time.Second),
			Timeout:      envDurationOr("CVP_TIMEOUT", 10*time.Minute),
			AutoApprove:  envBoolOr("CVP_AUTO_APPROVE", false),
		},
		NetBox: NetBoxConfig{
			URL:      strings.TrimRight(os.Getenv("NETBOX_URL"), "/"),
			Token:    os.Getenv("NETBOX_TOKEN"),
			CertFile: os.Getenv("NETBOX_CERT"),
		},
		Git: GitConfig{
			RepoPath: envOr("REPO_PATH", "."),
			Remote:   envOr("GIT_REMOTE", "origin"),
			Branch:   envOr("GIT_MAIN_BRANCH", "main"),
			Username: envOr("GIT_USERNAME", "relay"),
			Token:    os.Getenv("GIT_TOKEN"),
		},
		Runner: RunnerConfig{
			EnvFile:      os.Getenv("RUNNER_ENV_FILE"),
			Playbooks:    envListOr("RUNNER_PLAYBOOKS", nil),
			TestPlaybook: os.Getenv("RUNNER_TEST_PLAYBOOK"),
			StepTimeout:  envDurationOr("RUNNER_STEP_TIMEOUT", 15*time.Minute),
			AllowedPaths: envListOr("RUNNER_ALLOWED_PATHS", []string{"reports/", "intended/test_catalogs/"}),
		},
		Redis: RedisConfig{
			Addr:          envOr("REDIS_ADDR", "localhost:6379"),
			QueueKey:      envOr("REDIS_QUEUE_KEY", "relay:tasks"),
			ProcessingKey: envOr("REDIS_PROCESSING_KEY", "relay:tasks:processing"),
		},
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}

	return cfg, nil
}

// ValidateRelay checks the settings the relay server cannot start without.
func (c *Config) ValidateRelay() error {
	var missing []string
	if c.Relay.WebhookSecret == "" {
		missing = append(missing, "NETBOX_WEBHOOK_SECRET")
	}
	if c.Relay.GiteaSecret == "" {
		missing = append(missing, "GITEA_WEBHOOK_SECRET")
	}
	if c.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateChangeControl checks the settings the monitor cannot run without.
func (c *Config) ValidateChangeControl() error {
	var missing []string
	if c.ChangeControl.Server == "" {
		missing = append(missing, "CVP_SERVER")
	}
	if c.ChangeControl.Token == "" {
		missing = append(missing, "CVP_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// allow both "30s" and plain seconds
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envListOr(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
