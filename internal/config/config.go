package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob of the download engine. Values come from
// defaults, then an optional YAML file, then FICDL_* environment variables.
type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	MaxRetries int `yaml:"max_retries"`

	// Timeouts are whole seconds in the file, like the service configs
	// this replaces.
	RequestTimeoutSec int `yaml:"request_timeout"`
	ConnectTimeoutSec int `yaml:"connect_timeout"`

	// Politeness jitter bounds, in milliseconds, applied before every request.
	MinWaitMs int `yaml:"min_wait_ms"`
	MaxWaitMs int `yaml:"max_wait_ms"`

	Endpoints     []string `yaml:"endpoints"`
	UseBatchAPI   bool     `yaml:"use_batch_api"`
	BatchEndpoint string   `yaml:"batch_endpoint"`

	// Cookie is attached verbatim to every chapter request when set.
	Cookie string `yaml:"cookie"`

	// StatusRoot is where per-book ledger files live.
	StatusRoot string `yaml:"status_root"`
}

func Default() *Config {
	return &Config{
		MaxWorkers:        3,
		MaxRetries:        3,
		RequestTimeoutSec: 15,
		ConnectTimeoutSec: 3,
		MinWaitMs:         1000,
		MaxWaitMs:         1200,
		StatusRoot:        "status",
	}
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// Load builds a Config from defaults, the YAML file at path (optional when
// path is empty), and environment overrides. Callers apply their own
// overrides on top and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// .env is optional; variables may come from the OS environment directly
	_ = godotenv.Load()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FICDL_ENDPOINTS"); v != "" {
		c.Endpoints = splitList(v)
	}
	if v := os.Getenv("FICDL_BATCH_ENDPOINT"); v != "" {
		c.BatchEndpoint = v
	}
	if v := os.Getenv("FICDL_STATUS_ROOT"); v != "" {
		c.StatusRoot = v
	}
	if v := os.Getenv("FICDL_COOKIE"); v != "" {
		c.Cookie = v
	}
	applyEnvInt("FICDL_MAX_WORKERS", &c.MaxWorkers)
	applyEnvInt("FICDL_MAX_RETRIES", &c.MaxRetries)
	applyEnvInt("FICDL_REQUEST_TIMEOUT", &c.RequestTimeoutSec)
	applyEnvInt("FICDL_CONNECT_TIMEOUT", &c.ConnectTimeoutSec)
	applyEnvInt("FICDL_MIN_WAIT_MS", &c.MinWaitMs)
	applyEnvInt("FICDL_MAX_WAIT_MS", &c.MaxWaitMs)
	if v := os.Getenv("FICDL_USE_BATCH_API"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UseBatchAPI = b
		}
	}
}

func applyEnvInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.MinWaitMs > c.MaxWaitMs {
		return fmt.Errorf("min_wait_ms (%d) exceeds max_wait_ms (%d)", c.MinWaitMs, c.MaxWaitMs)
	}
	if c.UseBatchAPI {
		if c.BatchEndpoint == "" {
			return fmt.Errorf("batch_endpoint is required when use_batch_api is set")
		}
	} else if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	return nil
}

var unsafePathChars = regexp.MustCompile(`[\\/*?:"<>|]`)
var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// StatusDir returns the per-book ledger directory. The layout is stable
// across runs so re-invocation with the same book id finds the same ledger.
func (c *Config) StatusDir(bookID, bookName string) string {
	safeName := unsafePathChars.ReplaceAllString(bookName, "_")
	safeID := unsafeIDChars.ReplaceAllString(bookID, "_")
	return filepath.Join(c.StatusRoot, fmt.Sprintf("%s_%s", safeID, safeName))
}

// LedgerPath returns the ledger file path for one book.
func (c *Config) LedgerPath(bookID, bookName string) string {
	return filepath.Join(c.StatusDir(bookID, bookName), fmt.Sprintf("chapter_status_%s.json", bookID))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
