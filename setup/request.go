package setup

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTokenLifetime is the lifetime of tokens issued for the relying party.
	DefaultTokenLifetime = time.Hour
	// MaxTokenLifetime is the longest token lifetime the service's Edm.Int32
	// TokenLifetime property can carry.
	MaxTokenLifetime = math.MaxInt32 * time.Second
	// DefaultKeyLifetime is how long the signing key stays valid.
	DefaultKeyLifetime = 365 * 24 * time.Hour
	// SigningKeySize is the size of a symmetric signing key in bytes.
	SigningKeySize = 32
)

// ErrRelyingPartyExists is returned when the relying party is already
// configured and Replace is not set.
var ErrRelyingPartyExists = errors.New("setup: relying party already exists")

// Request describes the relying party to provision.
type Request struct {
	RelyingParty string
	// DisplayName defaults to RelyingParty.
	DisplayName string
	// Realm is the relying party realm, an absolute http(s) URL.
	Realm string
	// SigningKey is the base64 symmetric key. A random key is generated when
	// empty.
	SigningKey    string
	TokenLifetime time.Duration
	KeyLifetime   time.Duration
	// Replace deletes an existing relying party with the same name.
	Replace bool
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// FieldErrors is returned by Validate when one or more fields are invalid.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return "setup: invalid configuration: " + strings.Join(parts, "; ")
}

// Field returns the error reported for name.
func (e FieldErrors) Field(name string) (FieldError, bool) {
	for _, fe := range e {
		if fe.Field == name {
			return fe, true
		}
	}
	return FieldError{}, false
}

func (e FieldErrors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Normalize fills defaults and generates a signing key when needed.
func (r Request) Normalize() (Request, error) {
	r.RelyingParty = strings.TrimSpace(r.RelyingParty)
	r.Realm = strings.TrimSpace(r.Realm)
	r.SigningKey = strings.TrimSpace(r.SigningKey)
	if strings.TrimSpace(r.DisplayName) == "" {
		r.DisplayName = r.RelyingParty
	}
	if r.TokenLifetime <= 0 {
		r.TokenLifetime = DefaultTokenLifetime
	}
	if r.KeyLifetime <= 0 {
		r.KeyLifetime = DefaultKeyLifetime
	}
	if r.SigningKey == "" {
		key, err := GenerateSigningKey()
		if err != nil {
			return r, err
		}
		r.SigningKey = key
	}
	return r, r.Validate()
}

// Validate checks every field and reports all problems at once.
func (r Request) Validate() error {
	var errs FieldErrors
	if strings.TrimSpace(r.RelyingParty) == "" {
		errs = append(errs, FieldError{Field: "acs-relying-party", Message: "enter the name of the relying party"})
	}
	if msg := realmProblem(r.Realm); msg != "" {
		errs = append(errs, FieldError{Field: "acs-realm", Message: msg})
	}
	if r.SigningKey != "" {
		if msg := signingKeyProblem(r.SigningKey); msg != "" {
			errs = append(errs, FieldError{Field: "acs-signing-key", Message: msg})
		}
	}
	switch {
	case r.TokenLifetime > 0 && r.TokenLifetime < time.Second:
		errs = append(errs, FieldError{Field: "token-lifetime", Message: "must be at least one second"})
	case r.TokenLifetime > MaxTokenLifetime:
		errs = append(errs, FieldError{Field: "token-lifetime", Message: fmt.Sprintf("must not exceed %d seconds", math.MaxInt32)})
	}
	return errs.orNil()
}

// GenerateSigningKey returns a random base64 encoded symmetric key.
func GenerateSigningKey() (string, error) {
	buf := make([]byte, SigningKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("setup: generate signing key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func realmProblem(realm string) string {
	realm = strings.TrimSpace(realm)
	if realm == "" {
		return "enter the realm of the relying party"
	}
	u, err := url.Parse(realm)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "the realm must be an absolute http or https URL"
	}
	return ""
}

func signingKeyProblem(key string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return "the signing key must be base64 encoded"
	}
	if len(raw) != SigningKeySize {
		return fmt.Sprintf("the signing key must be %d bytes, got %d", SigningKeySize, len(raw))
	}
	return ""
}
