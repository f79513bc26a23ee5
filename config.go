package acsconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/clock"
)

const (
	// DefaultIssuer is the management service identity used for tokens.
	DefaultIssuer = client.DefaultIssuer
	// DefaultTokenURL is the WRAP endpoint template; %s is the namespace.
	DefaultTokenURL = client.DefaultTokenURL
	// DefaultServiceURL is the management service template; %s is the namespace.
	DefaultServiceURL = client.DefaultServiceURL
	// DefaultHTTPTimeout bounds each HTTP attempt.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultMaxRetries is how many times failed requests are retried.
	DefaultMaxRetries = 2
	// DefaultRetryDelay is the base delay between retries.
	DefaultRetryDelay = 500 * time.Millisecond
	// DefaultMaxResponseBytes caps a single response body.
	DefaultMaxResponseBytes = client.DefaultMaxResponseBytes
	// DefaultToolkitFile is the toolkit config file name inside the config dir.
	DefaultToolkitFile = "toolkit.yaml"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{1,48}[A-Za-z0-9]$`)

// Config holds the settings shared by every acsconfig command.
type Config struct {
	// Namespace is the ACS service namespace (for example "contoso").
	Namespace string
	// ManagementKey is the management service password for Issuer.
	ManagementKey string
	// Issuer is the management service identity name.
	Issuer string
	// TokenURL overrides the WRAP endpoint; "%s" is replaced by Namespace.
	TokenURL string
	// ServiceURL overrides the management base URL; "%s" is replaced by Namespace.
	ServiceURL string
	// HTTPTimeout bounds each HTTP attempt.
	HTTPTimeout time.Duration
	// MaxRetries is the retry budget for failed requests; 0 disables retries.
	MaxRetries int
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
	// MaxResponseBytes caps a single response body.
	MaxResponseBytes int64
	// ToolkitPath is where setup writes the toolkit configuration.
	ToolkitPath string

	// OTLPEndpoint enables trace export when set (grpc://, http://, https://).
	OTLPEndpoint string
	// MetricsFile, when set, receives a Prometheus text dump at exit.
	MetricsFile string
	// RuntimeMetrics adds Go runtime metrics to MetricsFile.
	RuntimeMetrics bool
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	c.Namespace = strings.TrimSpace(c.Namespace)
	c.ManagementKey = strings.TrimSpace(c.ManagementKey)
	c.Issuer = strings.TrimSpace(c.Issuer)
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(c.ServiceURL) == "" {
		c.ServiceURL = DefaultServiceURL
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	} else if c.HTTPTimeout < 0 {
		return fmt.Errorf("config: http timeout must be >= 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be >= 0")
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	} else if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry delay must be >= 0")
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = DefaultMaxResponseBytes
	} else if c.MaxResponseBytes < 0 {
		return fmt.Errorf("config: max response bytes must be >= 0")
	}
	if c.Namespace != "" && !namespacePattern.MatchString(c.Namespace) {
		return fmt.Errorf("config: namespace %q must be 3-50 letters, digits or hyphens and start with a letter", c.Namespace)
	}
	for name, tmpl := range map[string]string{"token url": c.TokenURL, "service url": c.ServiceURL} {
		if err := checkURLTemplate(tmpl); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.ToolkitPath == "" {
		dir, err := DefaultConfigDir()
		if err == nil {
			c.ToolkitPath = filepath.Join(dir, DefaultToolkitFile)
		}
	}
	return nil
}

// RequireCredentials reports missing namespace or management key.
func (c Config) RequireCredentials() error {
	var missing []string
	if c.Namespace == "" {
		missing = append(missing, "namespace")
	}
	if c.ManagementKey == "" {
		missing = append(missing, "management key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: %s required", strings.Join(missing, " and "))
	}
	return nil
}

// ClientOptions translates the configuration into client options.
func (c Config) ClientOptions(logger pslog.Logger, clk clock.Clock) []client.Option {
	return []client.Option{
		client.WithLogger(logger),
		client.WithIssuer(c.Issuer),
		client.WithTokenURL(c.TokenURL),
		client.WithServiceURL(c.ServiceURL),
		client.WithHTTPTimeout(c.HTTPTimeout),
		client.WithRetry(c.MaxRetries, c.RetryDelay),
		client.WithMaxResponseBytes(c.MaxResponseBytes),
		client.WithClock(clk),
	}
}

func checkURLTemplate(tmpl string) error {
	if strings.Count(tmpl, "%s") > 1 {
		return fmt.Errorf("template %q has more than one %%s", tmpl)
	}
	u, err := url.Parse(strings.ReplaceAll(tmpl, "%s", "namespace"))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", tmpl)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", tmpl)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.acsconfig).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("ACSCONFIG_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".acsconfig"), nil
}

// DefaultConfigFile returns the default CLI configuration file location.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
