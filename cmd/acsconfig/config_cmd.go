package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/acsconfig"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage acsconfig configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.acsconfig/config.yaml"
	if path, err := acsconfig.DefaultConfigFile(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default acsconfig configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := acsconfig.DefaultConfigFile()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root persistent flags; keys match flag names so
// viper reads the file back unchanged.
type configDefaults struct {
	Namespace       string `yaml:"namespace"`
	ManagementKey   string `yaml:"management-key"`
	Issuer          string `yaml:"issuer"`
	TokenURL        string `yaml:"token-url"`
	ServiceURL      string `yaml:"service-url"`
	HTTPTimeout     string `yaml:"http-timeout"`
	MaxRetries      int    `yaml:"max-retries"`
	RetryDelay      string `yaml:"retry-delay"`
	MaxResponseSize string `yaml:"max-response-size"`
	ToolkitPath     string `yaml:"toolkit-path"`
	OTLPEndpoint    string `yaml:"otlp-endpoint"`
	MetricsFile     string `yaml:"metrics-file"`
	RuntimeMetrics  bool   `yaml:"runtime-metrics"`
	LogLevel        string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	toolkit := filepath.Join("$HOME", ".acsconfig", acsconfig.DefaultToolkitFile)
	if dir, err := acsconfig.DefaultConfigDir(); err == nil {
		toolkit = filepath.Join(dir, acsconfig.DefaultToolkitFile)
	}
	defaults := configDefaults{
		Issuer:          acsconfig.DefaultIssuer,
		TokenURL:        acsconfig.DefaultTokenURL,
		ServiceURL:      acsconfig.DefaultServiceURL,
		HTTPTimeout:     acsconfig.DefaultHTTPTimeout.String(),
		MaxRetries:      acsconfig.DefaultMaxRetries,
		RetryDelay:      acsconfig.DefaultRetryDelay.String(),
		MaxResponseSize: humanizeBytes(acsconfig.DefaultMaxResponseBytes),
		ToolkitPath:     toolkit,
		LogLevel:        "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
