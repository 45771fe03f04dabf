package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/canary/internal/config"
	"github.com/roach88/canary/internal/probe"
)

// ConfigView is the effective configuration of one network and profile.
// The signer seed is never printed.
type ConfigView struct {
	Network    string         `yaml:"network" json:"network"`
	ChainURL   string         `yaml:"chain_url" json:"chain_url"`
	BackendURL string         `yaml:"backend_url" json:"backend_url"`
	SignerSet  bool           `yaml:"signer_set" json:"signer_set"`
	Settings   probe.Settings `yaml:"settings" json:"settings"`
	Output     config.Output  `yaml:"output" json:"output"`
	RedisAddr  string         `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	S3         config.S3      `yaml:"s3,omitempty" json:"s3,omitzero"`
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the canary configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var network, profile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running anything",
		Long: `Check the configuration file against the schema, then check that the
selected network and profile resolve to runnable settings.

A missing signer seed is not an error here; 'canary run' requires it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				if config.IsSchemaError(err) {
					return f.Fail(ExitFailure, ErrCodeConfigInvalid, "config does not match schema", err)
				}
				return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "failed to load config", err)
			}
			selectTarget(&cfg, network, profile)
			if errs := cfg.Check(false); len(errs) > 0 {
				return f.Fail(ExitFailure, ErrCodeConfigInvalid, "invalid configuration", errors.Join(errs...))
			}
			return f.Success(map[string]any{"valid": true, "network": cfg.Network, "profile": cfg.Profile},
				fmt.Sprintf("config ok (network %s, %s profile)", cfg.Network, cfg.Profile))
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "network to check (default: selected network)")
	cmd.Flags().StringVar(&profile, "profile", "", "profile to check (default: selected profile)")
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	var network, profile string
	cmd := &cobra.Command{
		Use:           "show",
		Short:         "Print the effective settings of a network and profile",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig(f)
			if err != nil {
				return err
			}
			selectTarget(&cfg, network, profile)
			view, err := viewOf(cfg)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfigInvalid, "invalid configuration", err)
			}
			text, err := yaml.Marshal(view)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeGeneric, "failed to render config", err)
			}
			return f.Success(view, strings.TrimRight(string(text), "\n"))
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "network to show (default: selected network)")
	cmd.Flags().StringVar(&profile, "profile", "", "profile to show (default: selected profile)")
	return cmd
}

func selectTarget(cfg *config.Config, network, profile string) {
	if network != "" {
		cfg.Network = network
	}
	if profile != "" {
		cfg.Profile = profile
	}
}

func viewOf(cfg config.Config) (ConfigView, error) {
	n, err := cfg.Target()
	if err != nil {
		return ConfigView{}, err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return ConfigView{}, err
	}
	return ConfigView{
		Network:    cfg.Network,
		ChainURL:   n.ChainURL,
		BackendURL: n.BackendURL,
		SignerSet:  cfg.SignerSeed != "",
		Settings:   settings,
		Output:     cfg.Output,
		RedisAddr:  cfg.Redis.Addr,
		S3:         cfg.S3,
	}, nil
}
