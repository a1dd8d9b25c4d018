package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"v2x-privacy/go-backend/internal/messenger"
	"v2x-privacy/go-backend/internal/transport"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the resolved runtime configuration of a node process.
type Config struct {
	Mode               messenger.Mode
	RequiredAttributes []string
	SuccessProbability float64
	MaxDelay           time.Duration
	Deterministic      bool
	Seed               int64
	RateLimitRPS       float64
	RateLimitBurst     int
	TokenTTL           time.Duration
	LogLevel           string
	Nodes              []NodeConfig
}

type NodeConfig struct {
	ID         int      `yaml:"id"`
	Attributes []string `yaml:"attributes"`
}

type FileConfig struct {
	Messenger MessengerFileConfig `yaml:"messenger"`
	Nodes     []NodeConfig        `yaml:"nodes"`
}

type MessengerFileConfig struct {
	Mode               string        `yaml:"mode"`
	RequiredAttributes []string      `yaml:"requiredAttributes"`
	SuccessProbability *float64      `yaml:"successProbability"`
	MaxDelay           time.Duration `yaml:"maxDelay"`
	Deterministic      *bool         `yaml:"deterministic"`
	Seed               int64         `yaml:"seed"`
	RateLimitRPS       *float64      `yaml:"rateLimitRps"`
	RateLimitBurst     int           `yaml:"rateLimitBurst"`
	TokenTTL           time.Duration `yaml:"tokenTtl"`
	LogLevel           string        `yaml:"logLevel"`
}

func DefaultConfig() Config {
	return Config{
		Mode:               messenger.ModeLegacy,
		RequiredAttributes: messenger.DefaultRequiredAttributes(),
		SuccessProbability: transport.DefaultSuccessProbability,
		MaxDelay:           transport.DefaultMaxDelay,
		RateLimitBurst:     1,
		TokenTTL:           5 * time.Minute,
		LogLevel:           "info",
		Nodes: []NodeConfig{
			{ID: 1, Attributes: []string{"vehicle", "trusted"}},
			{ID: 2, Attributes: []string{"vehicle", "authorized"}},
		},
	}
}

// LoadFromPath reads configPath, or the default locations when it is empty.
// A missing default file is not an error; an explicit path that cannot be
// read or parsed is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"configs/privcomm.yaml", "privcomm.yaml"}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Config{}, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Merge(dst *Config, src FileConfig) error {
	m := src.Messenger
	if m.Mode != "" {
		mode, err := messenger.ParseMode(m.Mode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		dst.Mode = mode
	}
	if m.RequiredAttributes != nil {
		dst.RequiredAttributes = append([]string(nil), m.RequiredAttributes...)
	}
	if m.SuccessProbability != nil {
		dst.SuccessProbability = *m.SuccessProbability
	}
	if m.MaxDelay != 0 {
		dst.MaxDelay = m.MaxDelay
	}
	if m.Deterministic != nil {
		dst.Deterministic = *m.Deterministic
	}
	if m.Seed != 0 {
		dst.Seed = m.Seed
	}
	if m.RateLimitRPS != nil {
		dst.RateLimitRPS = *m.RateLimitRPS
	}
	if m.RateLimitBurst != 0 {
		dst.RateLimitBurst = m.RateLimitBurst
	}
	if m.TokenTTL != 0 {
		dst.TokenTTL = m.TokenTTL
	}
	if m.LogLevel != "" {
		dst.LogLevel = m.LogLevel
	}
	if src.Nodes != nil {
		dst.Nodes = append([]NodeConfig(nil), src.Nodes...)
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if raw := env("PRIVCOMM_MODE"); raw != "" {
		mode, err := messenger.ParseMode(raw)
		if err != nil {
			return fmt.Errorf("%w: PRIVCOMM_MODE: %v", ErrInvalidConfig, err)
		}
		cfg.Mode = mode
	}
	if raw := env("PRIVCOMM_REQUIRED_ATTRIBUTES"); raw != "" {
		cfg.RequiredAttributes = SplitList(raw)
	}
	if raw := env("PRIVCOMM_SUCCESS_PROBABILITY"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: PRIVCOMM_SUCCESS_PROBABILITY: %v", ErrInvalidConfig, err)
		}
		cfg.SuccessProbability = v
	}
	if raw := env("PRIVCOMM_MAX_DELAY"); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: PRIVCOMM_MAX_DELAY: %v", ErrInvalidConfig, err)
		}
		cfg.MaxDelay = v
	}
	if raw := env("PRIVCOMM_DETERMINISTIC"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: PRIVCOMM_DETERMINISTIC: %v", ErrInvalidConfig, err)
		}
		cfg.Deterministic = v
	}
	if raw := env("PRIVCOMM_RATE_LIMIT_RPS"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: PRIVCOMM_RATE_LIMIT_RPS: %v", ErrInvalidConfig, err)
		}
		cfg.RateLimitRPS = v
	}
	if raw := env("PRIVCOMM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	return nil
}

func (c Config) Validate() error {
	if c.SuccessProbability < 0 || c.SuccessProbability > 1 {
		return fmt.Errorf("%w: success probability %v outside [0,1]", ErrInvalidConfig, c.SuccessProbability)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: negative max delay", ErrInvalidConfig)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("%w: rate limit burst must be positive", ErrInvalidConfig)
	}
	seen := make(map[int]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %d", ErrInvalidConfig, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// SplitList parses a comma separated list, dropping empty items.
func SplitList(raw string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
