// Package config loads Kestrel configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration. Defaults come from the tier (community
// unless the file or KESTREL_TIER selects pro); the YAML file at path, if
// any, is layered on top after ${VAR} expansion; environment overrides are
// applied last.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(raw)))
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the tier defaults.
func Parse(data []byte) (*domain.Config, error) {
	var head struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	tier := head.Tier
	if env := os.Getenv("KESTREL_TIER"); env != "" {
		tier = domain.Tier(env)
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies KESTREL_* environment variables.
func ApplyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_TIER"); v != "" {
		cfg.Tier = domain.Tier(v)
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_DATABASE_URL"); v != "" {
		cfg.Repository.PostgresURL = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_ADDR"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Host = host
				cfg.Server.Port = p
			}
		}
	}
}

// Validate checks the settings the engine cannot run without.
func Validate(cfg *domain.Config) error {
	if cfg.Tier != domain.TierCommunity && cfg.Tier != domain.TierPro {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidConfig, cfg.Tier)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}

	d := cfg.Detection
	if d.TimingWindow <= 0 || d.OppositeWindow <= 0 {
		return fmt.Errorf("%w: detection windows must be positive", ErrInvalidConfig)
	}
	if d.OppositeWindow > d.TimingWindow {
		return fmt.Errorf("%w: opposite window %s exceeds timing window %s", ErrInvalidConfig, d.OppositeWindow, d.TimingWindow)
	}
	if d.AmountTolerance < 0 || d.AmountTolerance > 1 {
		return fmt.Errorf("%w: amount tolerance must be within [0,1]", ErrInvalidConfig)
	}
	b := d.Severity
	if !(b.Medium < b.High && b.High < b.Critical) {
		return fmt.Errorf("%w: severity bands must be ascending", ErrInvalidConfig)
	}
	if d.ConfidenceCap < 0 || d.ConfidenceCap > 100 {
		return fmt.Errorf("%w: confidence cap must be within [0,100]", ErrInvalidConfig)
	}
	if d.IPv4PrefixOctets < 1 || d.IPv4PrefixOctets > 4 {
		return fmt.Errorf("%w: ipv4 prefix octets must be within [1,4]", ErrInvalidConfig)
	}
	w := d.CorrelationWeights
	if w.Timing < 0 || w.Direction < 0 || w.Amount < 0 || w.Symbol < 0 || w.Sum() <= 0 {
		return fmt.Errorf("%w: correlation weights must be non-negative and not all zero", ErrInvalidConfig)
	}
	if !(0 < d.CorrelationSuspicious && d.CorrelationSuspicious < d.CorrelationFlagged && d.CorrelationFlagged <= 100) {
		return fmt.Errorf("%w: correlation thresholds must satisfy 0 < suspicious < flagged <= 100", ErrInvalidConfig)
	}
	return nil
}
