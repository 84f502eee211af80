// Package config loads and validates the immutable process-wide
// configuration. Environment variables are authoritative; an optional YAML
// file supplies the same fields and is overridden by any environment
// variable that is set. The result is validated once at startup per
// §4.6's tier/loop-cap ordering requirement and §6's exit-code contract —
// a ConfigInvalid error here is always fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
	"gopkg.in/yaml.v3"
)

// Tier is one (score, loop-cap) rule of the tiered completion policy.
type Tier struct {
	Score int `yaml:"score"`
	Loops int `yaml:"loops"`
}

// Config is the fully validated, immutable configuration for one process.
type Config struct {
	Environment string `yaml:"environment"`

	// C2
	AuditTimeout      time.Duration `yaml:"audit_timeout"`
	AuditorExecutable string        `yaml:"auditor_executable"`

	// C3
	MaxConcurrentAudits int           `yaml:"max_concurrent_audits"`
	QueueWaitTimeout    time.Duration `yaml:"queue_wait_timeout"`

	// Sessions (C4)
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SessionStateDir       string        `yaml:"session_state_dir"`
	SessionMaxAge         time.Duration `yaml:"session_max_age"`
	EnableSessionPersist  bool          `yaml:"enable_session_persistence"`

	// C5
	StagnationThreshold  float64 `yaml:"stagnation_threshold"`
	StagnationStartLoop  int     `yaml:"stagnation_start_loop"`
	StagnationWindow     int     `yaml:"stagnation_window"`
	ProgressTrendWindow  int     `yaml:"progress_trend_window"`

	// C6
	Tier1      Tier `yaml:"tier1"`
	Tier2      Tier `yaml:"tier2"`
	Tier3      Tier `yaml:"tier3"`
	HardStop   int  `yaml:"hard_stop_loops"`

	// C1
	EnableCaching  bool `yaml:"enable_audit_caching"`
	CacheMaxSize   int  `yaml:"cache_max_size"`
	CacheMaxAge    time.Duration `yaml:"cache_max_age"`

	// admin surface (§11.1)
	AdminHTTPAddr string `yaml:"admin_http_addr"`

	// tracing (§11)
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration's built-in defaults, matching the
// defaults called out in §4.5/§4.6 and the env-var table in §6.
func Default() *Config {
	return &Config{
		Environment:           "development",
		AuditTimeout:          30 * time.Second,
		AuditorExecutable:     "gan-auditor",
		MaxConcurrentAudits:   1,
		QueueWaitTimeout:      60 * time.Second,
		MaxConcurrentSessions: 1000,
		SessionStateDir:       ".mcp-gan-state",
		SessionMaxAge:         7 * 24 * time.Hour,
		EnableSessionPersist:  true,
		StagnationThreshold:   0.95,
		StagnationStartLoop:   10,
		StagnationWindow:      3,
		ProgressTrendWindow:   3,
		Tier1:                 Tier{Score: 95, Loops: 10},
		Tier2:                 Tier{Score: 90, Loops: 15},
		Tier3:                 Tier{Score: 85, Loops: 20},
		HardStop:              25,
		EnableCaching:         true,
		CacheMaxSize:          1024,
		CacheMaxAge:           1 * time.Hour,
	}
}

// LoadFromFile overlays YAML file contents onto a base config. Missing
// files are not an error; the caller decides whether a --config flag was
// explicit.
func LoadFromFile(base *Config, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, apperrors.New(apperrors.KindConfigInvalid, "cannot read config file").WithCause(err)
	}
	cfg := *base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "cannot parse config file").WithCause(err)
	}
	return &cfg, nil
}

// LoadFromEnv overlays recognized environment variables onto cfg,
// mutating and returning it. This mirrors the table in spec §6.
func LoadFromEnv(cfg *Config) *Config {
	if v, ok := durationEnv("AUDIT_TIMEOUT_SECONDS"); ok {
		cfg.AuditTimeout = v
	}
	if v, ok := intEnv("MAX_CONCURRENT_AUDITS"); ok {
		cfg.MaxConcurrentAudits = v
	}
	if v, ok := intEnv("MAX_CONCURRENT_SESSIONS"); ok {
		cfg.MaxConcurrentSessions = v
	}
	if v, ok := intEnv("TIER1_SCORE"); ok {
		cfg.Tier1.Score = v
	}
	if v, ok := intEnv("TIER1_LOOPS"); ok {
		cfg.Tier1.Loops = v
	}
	if v, ok := intEnv("TIER2_SCORE"); ok {
		cfg.Tier2.Score = v
	}
	if v, ok := intEnv("TIER2_LOOPS"); ok {
		cfg.Tier2.Loops = v
	}
	if v, ok := intEnv("TIER3_SCORE"); ok {
		cfg.Tier3.Score = v
	}
	if v, ok := intEnv("TIER3_LOOPS"); ok {
		cfg.Tier3.Loops = v
	}
	if v, ok := intEnv("HARD_STOP_LOOPS"); ok {
		cfg.HardStop = v
	}
	if v, ok := floatEnv("STAGNATION_THRESHOLD"); ok {
		cfg.StagnationThreshold = v
	}
	if v, ok := intEnv("STAGNATION_START_LOOP"); ok {
		cfg.StagnationStartLoop = v
	}
	if v, ok := boolEnv("ENABLE_AUDIT_CACHING"); ok {
		cfg.EnableCaching = v
	}
	if v, ok := boolEnv("ENABLE_SESSION_PERSISTENCE"); ok {
		cfg.EnableSessionPersist = v
	}
	if v := os.Getenv("SESSION_STATE_DIR"); v != "" {
		cfg.SessionStateDir = v
	}
	if v := os.Getenv("AUDITOR_EXECUTABLE"); v != "" {
		cfg.AuditorExecutable = v
	}
	if v := os.Getenv("ADMIN_HTTP_ADDR"); v != "" {
		cfg.AdminHTTPAddr = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	return cfg
}

// Validate enforces §4.6's tier/loop-cap ordering and other startup
// invariants. Failure here is always fatal (§6, §9 "Config validation").
func (c *Config) Validate() error {
	if c.Tier1.Score < c.Tier2.Score || c.Tier2.Score < c.Tier3.Score {
		return apperrors.New(apperrors.KindConfigInvalid,
			"tier thresholds must satisfy tier1.score >= tier2.score >= tier3.score")
	}
	if c.Tier1.Loops > c.Tier2.Loops || c.Tier2.Loops > c.Tier3.Loops || c.Tier3.Loops > c.HardStop {
		return apperrors.New(apperrors.KindConfigInvalid,
			"loop caps must satisfy tier1.cap <= tier2.cap <= tier3.cap <= hard_stop.cap")
	}
	if c.AuditTimeout <= 0 {
		return apperrors.New(apperrors.KindConfigInvalid, "audit timeout must be positive")
	}
	if c.QueueWaitTimeout <= 0 {
		return apperrors.New(apperrors.KindConfigInvalid, "queue wait timeout must be positive")
	}
	if c.MaxConcurrentAudits <= 0 {
		return apperrors.New(apperrors.KindConfigInvalid, "max concurrent audits must be positive")
	}
	if c.StagnationThreshold <= 0 || c.StagnationThreshold > 1 {
		return apperrors.New(apperrors.KindConfigInvalid, "stagnation threshold must be in (0,1]")
	}
	if c.SessionStateDir == "" {
		return apperrors.New(apperrors.KindConfigInvalid, "session state dir must be set")
	}
	if err := os.MkdirAll(c.SessionStateDir, 0o755); err != nil {
		return apperrors.New(apperrors.KindConfigInvalid, "session state dir is not usable").WithCause(err)
	}
	return nil
}

func durationEnv(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func boolEnv(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// String implements a redaction-free summary useful for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("Config{audits=%d state_dir=%q tiers=(%d/%d,%d/%d,%d/%d) hard_stop=%d}",
		c.MaxConcurrentAudits, c.SessionStateDir,
		c.Tier1.Score, c.Tier1.Loops, c.Tier2.Score, c.Tier2.Loops, c.Tier3.Score, c.Tier3.Loops,
		c.HardStop)
}
