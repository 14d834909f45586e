// Package config loads broker settings. Precedence, highest first: command
// line flags, PORTBROKER_* environment variables, the YAML config file,
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable; the rest is the flag name
// upper-cased with dashes turned into underscores.
const EnvPrefix = "PORTBROKER_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all runtime configuration of the broker.
type Config struct {
	ControlAddr string `yaml:"control_addr"`
	DataAddr    string `yaml:"data_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Token       string `yaml:"token"`
	LogLevel    string `yaml:"log_level"`
	Debug       bool   `yaml:"debug"`

	// Data plane.
	BindHost       string        `yaml:"bind_host"`
	PublicHost     string        `yaml:"public_host"`
	BaseDomain     string        `yaml:"base_domain"`
	HTTPPort       uint16        `yaml:"http_port"`
	MaxListeners   int           `yaml:"max_listeners"`
	ClaimTimeout   time.Duration `yaml:"claim_timeout"`
	HeaderTimeout  time.Duration `yaml:"header_timeout"`
	MaxHeaderSize  int           `yaml:"max_header_size"`
	AddXFF         bool          `yaml:"add_xff"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`

	// Sessions.
	RegisterTimeout      time.Duration `yaml:"register_timeout"`
	MaxTunnelsPerSession int           `yaml:"max_tunnels_per_session"`

	// Shared directory. An empty RedisAddr keeps state in memory.
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	StatePrefix     string        `yaml:"state_prefix"`
	StateTTL        time.Duration `yaml:"state_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// Rate limits per second; 0 disables.
	ConnRate        int `yaml:"conn_rate"`
	SessionConnRate int `yaml:"session_conn_rate"`
	RegRate         int `yaml:"reg_rate"`
	SessionRegRate  int `yaml:"session_reg_rate"`
	RateBurst       int `yaml:"rate_burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ControlAddr:     ":9000",
		DataAddr:        ":9001",
		MetricsAddr:     ":9100",
		LogLevel:        "info",
		PublicHost:      "localhost",
		HTTPPort:        8080,
		ClaimTimeout:    10 * time.Second,
		HeaderTimeout:   10 * time.Second,
		MaxHeaderSize:   32 * 1024,
		AddXFF:          true,
		UDPIdleTimeout:  time.Minute,
		RegisterTimeout: 10 * time.Second,
		StatePrefix:     "portbroker:",
		StateTTL:        time.Minute,
		RefreshInterval: 20 * time.Second,
		RateBurst:       10,
	}
}

// BindFlags registers a flag for every field, defaulting to cfg's current
// values so binding alone changes nothing.
func BindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "address for client control connections")
	fs.StringVar(&cfg.DataAddr, "data", cfg.DataAddr, "address for client data connections")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics, health and websocket control address")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "shared secret token; if set clients must provide matching token")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")

	fs.StringVar(&cfg.BindHost, "bind-host", cfg.BindHost, "local address tunnels listen on")
	fs.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "host name written into entrypoints")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "base wildcard domain for subdomain and random HTTP routes")
	fs.Uint16Var(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "virtual-host port for HTTP tunnels registered without a port")
	fs.IntVar(&cfg.MaxListeners, "max-listeners", cfg.MaxListeners, "maximum listeners holding resources (0 = unlimited)")
	fs.DurationVar(&cfg.ClaimTimeout, "claim-timeout", cfg.ClaimTimeout, "time limit for a client to dial back for a connection")
	fs.DurationVar(&cfg.HeaderTimeout, "header-timeout", cfg.HeaderTimeout, "time limit for reading HTTP request headers")
	fs.IntVar(&cfg.MaxHeaderSize, "max-header-size", cfg.MaxHeaderSize, "maximum allowed initial HTTP header bytes")
	fs.BoolVar(&cfg.AddXFF, "add-xff", cfg.AddXFF, "append X-Forwarded-For with the user address")
	fs.DurationVar(&cfg.UDPIdleTimeout, "udp-idle-timeout", cfg.UDPIdleTimeout, "close UDP peers silent for this long")

	fs.DurationVar(&cfg.RegisterTimeout, "register-timeout", cfg.RegisterTimeout, "time limit for the data plane to answer a registration")
	fs.IntVar(&cfg.MaxTunnelsPerSession, "max-tunnels", cfg.MaxTunnelsPerSession, "maximum tunnels per session (0 = unlimited)")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the shared directory (empty = in-memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "redis database")
	fs.StringVar(&cfg.StatePrefix, "state-prefix", cfg.StatePrefix, "key prefix in the shared directory")
	fs.DurationVar(&cfg.StateTTL, "state-ttl", cfg.StateTTL, "lifetime of directory claims between refreshes")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "interval for refreshing directory claims")

	fs.IntVar(&cfg.ConnRate, "conn-rate", cfg.ConnRate, "global inbound connections per second (0 = unlimited)")
	fs.IntVar(&cfg.SessionConnRate, "session-conn-rate", cfg.SessionConnRate, "inbound connections per second per session")
	fs.IntVar(&cfg.RegRate, "reg-rate", cfg.RegRate, "global registrations per second")
	fs.IntVar(&cfg.SessionRegRate, "session-reg-rate", cfg.SessionRegRate, "registrations per second per session")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "token bucket burst for every rate limit")
}

// LoadFile merges the YAML document at path into cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// EnvKey returns the environment variable for a flag name.
func EnvKey(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// LoadFromEnv overlays non-empty environment variables onto cfg. getenv is
// normally os.Getenv.
func LoadFromEnv(cfg *Config, getenv func(string) string) error {
	fs := flag.NewFlagSet("env", flag.ContinueOnError)
	BindFlags(fs, cfg)
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(f.Name)
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		if serr := fs.Set(f.Name, v); serr != nil {
			err = fmt.Errorf("%s: %w", key, serr)
		}
	})
	return err
}

// Load builds the configuration from defaults, the file named by --config or
// PORTBROKER_CONFIG, the environment and finally args.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	flagged := cfg
	fs := flag.NewFlagSet("broker", flag.ContinueOnError)
	path := fs.String("config", getenv(EnvPrefix+"CONFIG"), "YAML config file")
	BindFlags(fs, &flagged)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *path != "" {
		if err := LoadFile(*path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := LoadFromEnv(&cfg, getenv); err != nil {
		return cfg, err
	}

	// Flags set explicitly on the command line win over file and env.
	final := flag.NewFlagSet("final", flag.ContinueOnError)
	BindFlags(final, &cfg)
	var err error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		err = final.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the broker cannot run with.
func (c Config) Validate() error {
	var errs []string
	if c.ControlAddr == "" {
		errs = append(errs, "control address is required")
	}
	if c.DataAddr == "" {
		errs = append(errs, "data address is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	if c.PublicHost == "" {
		errs = append(errs, "public host is required")
	}
	for name, d := range map[string]time.Duration{
		"claim timeout":    c.ClaimTimeout,
		"header timeout":   c.HeaderTimeout,
		"register timeout": c.RegisterTimeout,
		"udp idle timeout": c.UDPIdleTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.MaxHeaderSize < 1024 {
		errs = append(errs, "max header size must be at least 1024")
	}
	if c.MaxListeners < 0 || c.MaxTunnelsPerSession < 0 {
		errs = append(errs, "quotas must not be negative")
	}
	if c.ConnRate < 0 || c.SessionConnRate < 0 || c.RegRate < 0 || c.SessionRegRate < 0 {
		errs = append(errs, "rates must not be negative")
	}
	if c.RedisAddr != "" && c.StateTTL <= c.RefreshInterval {
		errs = append(errs, "state ttl must exceed the refresh interval")
	}
	if len(errs) == 0 {
		return nil
	}
	sort.Strings(errs)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
}
