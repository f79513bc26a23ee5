package setup

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Connection types supported by the toolkit.
const (
	ConnectionDirect = "direct"
	ConnectionACS    = "acs"
)

// ToolkitConfig is the configuration document consumed by the push
// notification toolkit.
type ToolkitConfig struct {
	ConnectionType  string `yaml:"connection-type"`
	AccountName     string `yaml:"account-name,omitempty"`
	AccessKey       string `yaml:"access-key,omitempty"`
	ACSNamespace    string `yaml:"acs-namespace,omitempty"`
	ACSRealm        string `yaml:"acs-realm,omitempty"`
	ACSRelyingParty string `yaml:"acs-relying-party,omitempty"`
	ACSSigningKey   string `yaml:"acs-signing-key,omitempty"`
	SSLThumbprint   string `yaml:"ssl-thumbprint,omitempty"`
	APNSThumbprint  string `yaml:"apns-thumbprint,omitempty"`
}

// ToolkitFromResult builds an ACS toolkit configuration for a provisioned
// relying party.
func ToolkitFromResult(namespace string, req Request, res Result) ToolkitConfig {
	realm := res.Realm
	if realm == "" {
		realm = req.Realm
	}
	key := res.SigningKey
	if key == "" {
		key = req.SigningKey
	}
	return ToolkitConfig{
		ConnectionType:  ConnectionACS,
		ACSNamespace:    namespace,
		ACSRealm:        realm,
		ACSRelyingParty: req.RelyingParty,
		ACSSigningKey:   key,
	}
}

// Normalize trims every field and canonicalises thumbprints.
func (c ToolkitConfig) Normalize() ToolkitConfig {
	c.ConnectionType = strings.ToLower(strings.TrimSpace(c.ConnectionType))
	c.AccountName = strings.TrimSpace(c.AccountName)
	c.AccessKey = strings.TrimSpace(c.AccessKey)
	c.ACSNamespace = strings.TrimSpace(c.ACSNamespace)
	c.ACSRealm = strings.TrimSpace(c.ACSRealm)
	c.ACSRelyingParty = strings.TrimSpace(c.ACSRelyingParty)
	c.ACSSigningKey = strings.TrimSpace(c.ACSSigningKey)
	c.SSLThumbprint = NormalizeThumbprint(c.SSLThumbprint)
	c.APNSThumbprint = NormalizeThumbprint(c.APNSThumbprint)
	return c
}

// Validate enforces the fields required by the selected connection type.
func (c ToolkitConfig) Validate() error {
	var errs FieldErrors
	switch c.ConnectionType {
	case ConnectionDirect:
		if strings.TrimSpace(c.AccountName) == "" {
			errs = append(errs, FieldError{Field: "account-name", Message: "enter the storage account name"})
		}
		if strings.TrimSpace(c.AccessKey) == "" {
			errs = append(errs, FieldError{Field: "access-key", Message: "enter the storage access key"})
		} else if _, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.AccessKey)); err != nil {
			errs = append(errs, FieldError{Field: "access-key", Message: "the access key must be base64 encoded"})
		}
	case ConnectionACS:
		if strings.TrimSpace(c.ACSNamespace) == "" {
			errs = append(errs, FieldError{Field: "acs-namespace", Message: "enter the ACS service namespace"})
		}
		if msg := realmProblem(c.ACSRealm); msg != "" {
			errs = append(errs, FieldError{Field: "acs-realm", Message: msg})
		}
		if strings.TrimSpace(c.ACSRelyingParty) == "" {
			errs = append(errs, FieldError{Field: "acs-relying-party", Message: "enter the name of the relying party"})
		}
		if strings.TrimSpace(c.ACSSigningKey) == "" {
			errs = append(errs, FieldError{Field: "acs-signing-key", Message: "enter the relying party signing key"})
		} else if msg := signingKeyProblem(c.ACSSigningKey); msg != "" {
			errs = append(errs, FieldError{Field: "acs-signing-key", Message: msg})
		}
	default:
		errs = append(errs, FieldError{Field: "connection-type", Message: fmt.Sprintf("must be %q or %q", ConnectionDirect, ConnectionACS)})
	}
	errs = append(errs, thumbprintErrors(c.SSLThumbprint, c.APNSThumbprint)...)
	return errs.orNil()
}

// ValidateThumbprints checks optional certificate thumbprints after
// normalisation.
func ValidateThumbprints(ssl, apns string) error {
	return thumbprintErrors(NormalizeThumbprint(ssl), NormalizeThumbprint(apns)).orNil()
}

func thumbprintErrors(ssl, apns string) FieldErrors {
	var errs FieldErrors
	if ssl != "" && !validThumbprint(ssl) {
		errs = append(errs, FieldError{Field: "ssl-thumbprint", Message: "the SSL certificate thumbprint must be 40 hex digits"})
	}
	if apns != "" && !validThumbprint(apns) {
		errs = append(errs, FieldError{Field: "apns-thumbprint", Message: "the APNS certificate thumbprint must be 40 hex digits"})
	}
	return errs
}

// Marshal renders the configuration as YAML.
func (c ToolkitConfig) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("setup: marshal toolkit config: %w", err)
	}
	return data, nil
}

// WriteFile validates c and writes it to path with owner-only permissions.
func (c ToolkitConfig) WriteFile(path string) error {
	c = c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("setup: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("setup: write toolkit config: %w", err)
	}
	return nil
}

// LoadToolkitConfig reads and validates a toolkit configuration file.
func LoadToolkitConfig(path string) (ToolkitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ToolkitConfig{}, fmt.Errorf("setup: read toolkit config: %w", err)
	}
	var c ToolkitConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return ToolkitConfig{}, fmt.Errorf("setup: parse toolkit config: %w", err)
	}
	c = c.Normalize()
	return c, c.Validate()
}

// NormalizeThumbprint strips separators and upper-cases a certificate
// thumbprint as copied from a certificate viewer.
func NormalizeThumbprint(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', ':', '-', '\t', '\u200e':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

func validThumbprint(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return true
}
