package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/acsconfig"
	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ACSCONFIG_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "acsconfig")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries the state shared by every subcommand of one root command.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

// session is one command invocation with resolved configuration and
// telemetry installed.
type session struct {
	cfg        acsconfig.Config
	logger     pslog.Logger
	tel        *acsconfig.Telemetry
	restoreSDK func()
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "acsconfig",
		Short:         "acsconfig provisions Access Control Service relying parties and writes push toolkit configuration",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Check that the management key is accepted
  acsconfig token -n contoso -k "$MGMT_KEY"

  # List relying parties
  ACSCONFIG_NAMESPACE=contoso ACSCONFIG_MANAGEMENT_KEY=... acsconfig entries RelyingParties

  # Provision a relying party and write ~/.acsconfig/toolkit.yaml
  acsconfig setup -n contoso -k "$MGMT_KEY" --relying-party push --realm https://push.contoso.com/

  # Verify a storage account for the direct connection type
  acsconfig verify direct --account pushstore --access-key "$STORAGE_KEY" --write
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.acsconfig/config.yaml)")
	flags.StringP("namespace", "n", "", "ACS service namespace")
	flags.StringP("management-key", "k", "", "management service key")
	flags.String("issuer", acsconfig.DefaultIssuer, "management service identity")
	flags.String("token-url", acsconfig.DefaultTokenURL, "WRAP token endpoint (%s is replaced by the namespace)")
	flags.String("service-url", acsconfig.DefaultServiceURL, "management service base URL (%s is replaced by the namespace)")
	flags.Duration("http-timeout", acsconfig.DefaultHTTPTimeout, "timeout for each HTTP attempt")
	flags.Int("max-retries", acsconfig.DefaultMaxRetries, "retries for failed requests (0 disables)")
	flags.Duration("retry-delay", acsconfig.DefaultRetryDelay, "base delay between retries")
	flags.String("max-response-size", humanizeBytes(acsconfig.DefaultMaxResponseBytes), "maximum response body size")
	flags.String("toolkit-path", "", "toolkit configuration file (defaults to $HOME/.acsconfig/"+acsconfig.DefaultToolkitFile+")")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-file", "", "write Prometheus text metrics to this file on exit")
	flags.Bool("runtime-metrics", false, "include Go runtime metrics in --metrics-file")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	a.v.SetEnvPrefix("ACSCONFIG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newTokenCommand(a))
	cmd.AddCommand(newGetCommand(a))
	cmd.AddCommand(newEntriesCommand(a))
	cmd.AddCommand(newDeleteCommand(a))
	cmd.AddCommand(newSetupCommand(a))
	cmd.AddCommand(newVerifyCommand(a))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// open resolves configuration for cmd and installs telemetry. The caller
// must close the returned session.
func (a *app) open(cmd *cobra.Command) (*session, error) {
	configFile, err := a.loadConfigFile()
	if err != nil {
		return nil, err
	}
	logger := a.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	var cfg acsconfig.Config
	if err := bindConfig(a.v, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tel, err := acsconfig.SetupTelemetry(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:        cfg,
		logger:     logger,
		tel:        tel,
		restoreSDK: installSDKLogging(logger),
	}, nil
}

func (s *session) close() {
	s.restoreSDK()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		svcfields.WithSubsystem(s.logger, "cli.root").Warn("telemetry shutdown failed", "error", err)
	}
}

// connect obtains a token for the configured namespace.
func (s *session) connect(ctx context.Context) (*client.Client, error) {
	if err := s.cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	cli, status, err := client.ObtainToken(ctx, s.cfg.Namespace, s.cfg.ManagementKey, s.cfg.ClientOptions(s.logger, clock.Real{})...)
	if err != nil {
		if status != 0 {
			return nil, fmt.Errorf("token request rejected with status %d: %w", status, err)
		}
		return nil, err
	}
	return cli, nil
}

func bindConfig(v *viper.Viper, cfg *acsconfig.Config) error {
	cfg.Namespace = v.GetString("namespace")
	cfg.ManagementKey = v.GetString("management-key")
	cfg.Issuer = v.GetString("issuer")
	cfg.TokenURL = v.GetString("token-url")
	cfg.ServiceURL = v.GetString("service-url")
	cfg.HTTPTimeout = v.GetDuration("http-timeout")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.RetryDelay = v.GetDuration("retry-delay")
	if raw := strings.TrimSpace(v.GetString("max-response-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-response-size: %w", err)
		}
		cfg.MaxResponseBytes = int64(size)
	}
	if p := strings.TrimSpace(v.GetString("toolkit-path")); p != "" {
		expanded, err := expandPath(p)
		if err != nil {
			return fmt.Errorf("expand toolkit path %q: %w", p, err)
		}
		cfg.ToolkitPath = expanded
	}
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.MetricsFile = v.GetString("metrics-file")
	cfg.RuntimeMetrics = v.GetBool("runtime-metrics")
	return nil
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if candidate, err := acsconfig.DefaultConfigFile(); err == nil {
			cfgPath = candidate
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
