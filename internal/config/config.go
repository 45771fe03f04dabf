// Package config loads the canary configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file, CANARY_*
// environment variables. The file is checked against an embedded CUE schema
// before it is decoded, so typos in keys fail loudly instead of being ignored.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/canary/internal/chain/rpc"
	"github.com/roach88/canary/internal/probe"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables that override file values.
const (
	EnvNetwork    = "CANARY_NETWORK"
	EnvProfile    = "CANARY_PROFILE"
	EnvSignerSeed = "CANARY_SIGNER_SEED"
	EnvChainURL   = "CANARY_CHAIN_URL"
	EnvBackendURL = "CANARY_BACKEND_URL"
	EnvRedisAddr  = "CANARY_REDIS_ADDR"
	EnvS3Bucket   = "CANARY_S3_BUCKET"
)

// DefaultNetwork is the network used when nothing selects one.
const DefaultNetwork = "local"

// Config is the full canary configuration.
type Config struct {
	Network    string             `yaml:"network"`
	Profile    string             `yaml:"profile"`
	SignerSeed string             `yaml:"signer_seed"`
	Networks   map[string]Network `yaml:"networks"`
	Output     Output             `yaml:"output"`
	Redis      Redis              `yaml:"redis"`
	S3         S3                 `yaml:"s3"`
}

// Network holds the endpoints and per-profile overrides of one network.
type Network struct {
	ChainURL   string      `yaml:"chain_url"`
	BackendURL string      `yaml:"backend_url"`
	RateLimit  float64     `yaml:"rate_limit"`
	Burst      int         `yaml:"burst"`
	RPCMethods rpc.Methods `yaml:"rpc_methods"`

	// Profiles holds partial probe.Settings keyed by profile name. They are
	// decoded on top of the profile's built-in settings.
	Profiles map[string]yaml.Node `yaml:"profiles,omitempty"`
}

// Output locates everything a run writes locally.
type Output struct {
	BadgeDir     string `yaml:"badge_dir"`
	MetricsPath  string `yaml:"metrics_path"`
	HistoryDB    string `yaml:"history_db"`
	CacheSeconds int    `yaml:"cache_seconds"`
	Label        string `yaml:"label"`
}

// Redis configures the run lock. An empty Addr disables locking.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// S3 configures badge publishing. An empty Bucket disables it.
type S3 struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// Default returns the built-in configuration, which targets a local node.
func Default() Config {
	return Config{
		Network: DefaultNetwork,
		Profile: probe.ProfileLight,
		Networks: map[string]Network{
			DefaultNetwork: {
				ChainURL:   "ws://127.0.0.1:9944",
				BackendURL: "http://127.0.0.1:8080",
				RateLimit:  10,
				Burst:      5,
			},
		},
		Output: Output{
			BadgeDir:     "badges",
			MetricsPath:  "badges/canary.prom",
			HistoryDB:    "canary.db",
			CacheSeconds: 300,
			Label:        "storage canary",
		},
		Redis: Redis{LockTTL: 30 * time.Minute},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides from the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Decode validates data against the schema and decodes it over cfg.
//
// A network entry present in data replaces the default entry of the same
// name as a whole.
func Decode(data []byte, cfg *Config) error {
	if err := ValidateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ValidateSchema checks YAML data against the embedded CUE schema.
func ValidateSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// SchemaError reports a configuration file that does not match the schema.
type SchemaError struct {
	Details string
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + strings.TrimSpace(e.Details)
}

// IsSchemaError reports whether err is a schema mismatch.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// ApplyEnv overrides fields from CANARY_* variables read through getenv.
// Endpoint overrides apply to the selected network.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvNetwork); v != "" {
		c.Network = v
	}
	if v := getenv(EnvProfile); v != "" {
		c.Profile = v
	}
	if v := getenv(EnvSignerSeed); v != "" {
		c.SignerSeed = v
	}
	chainURL, backendURL := getenv(EnvChainURL), getenv(EnvBackendURL)
	if chainURL != "" || backendURL != "" {
		if c.Networks == nil {
			c.Networks = make(map[string]Network)
		}
		n := c.Networks[c.Network]
		if chainURL != "" {
			n.ChainURL = chainURL
		}
		if backendURL != "" {
			n.BackendURL = backendURL
		}
		c.Networks[c.Network] = n
	}
	if v := getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv(EnvS3Bucket); v != "" {
		c.S3.Bucket = v
	}
}

// Target returns the selected network.
func (c Config) Target() (Network, error) {
	n, ok := c.Networks[c.Network]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q (configured: %s)", c.Network, strings.Join(c.NetworkNames(), ", "))
	}
	return n, nil
}

// NetworkNames returns the configured network names in sorted order.
func (c Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settings returns the probe settings of the selected network and profile:
// the profile's built-in settings with the network's overrides decoded on top.
func (c Config) Settings() (probe.Settings, error) {
	s, err := probe.SettingsFor(c.Profile)
	if err != nil {
		return probe.Settings{}, err
	}
	n, err := c.Target()
	if err != nil {
		return probe.Settings{}, err
	}
	if node, ok := n.Profiles[s.Profile]; ok {
		name := s.Profile
		if err := node.Decode(&s); err != nil {
			return probe.Settings{}, fmt.Errorf("decode %s profile of network %s: %w", name, c.Network, err)
		}
		// The profile name is fixed by the key, not the body.
		s.Profile = name
	}
	if err := s.Validate(); err != nil {
		return probe.Settings{}, fmt.Errorf("%s profile of network %s: %w", s.Profile, c.Network, err)
	}
	return s, nil
}

// Check reports every problem that would stop a run from starting, except a
// missing signer seed when requireSeed is false.
func (c Config) Check(requireSeed bool) []error {
	var errs []error
	n, err := c.Target()
	if err != nil {
		errs = append(errs, err)
	} else {
		if n.ChainURL == "" {
			errs = append(errs, fmt.Errorf("network %s: chain_url is required", c.Network))
		}
		if n.BackendURL == "" {
			errs = append(errs, fmt.Errorf("network %s: backend_url is required", c.Network))
		}
		if _, err := c.Settings(); err != nil {
			errs = append(errs, err)
		}
	}
	if requireSeed && c.SignerSeed == "" {
		errs = append(errs, fmt.Errorf("signer seed is required (set signer_seed or %s)", EnvSignerSeed))
	}
	if c.Output.BadgeDir == "" {
		errs = append(errs, errors.New("output.badge_dir is required"))
	}
	return errs
}
