package setup_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/acsconfig/setup"
)

func TestToolkitValidateDirect(t *testing.T) {
	t.Parallel()
	cfg := setup.ToolkitConfig{ConnectionType: "direct"}
	var fe setup.FieldErrors
	if err := cfg.Validate(); !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if _, ok := fe.Field("account-name"); !ok {
		t.Fatalf("missing account-name error in %v", fe)
	}
	if _, ok := fe.Field("access-key"); !ok {
		t.Fatalf("missing access-key error in %v", fe)
	}
	cfg.AccountName = "pushstore"
	cfg.AccessKey = testKey
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid direct config, got %v", err)
	}
}

func TestToolkitValidateACS(t *testing.T) {
	t.Parallel()
	cfg := setup.ToolkitConfig{
		ConnectionType:  "acs",
		ACSNamespace:    "contoso",
		ACSRealm:        "https://push.example.com/",
		ACSRelyingParty: "push",
		ACSSigningKey:   testKey,
		SSLThumbprint:   "ab:cd:ef:01:23:45:67:89:ab:cd:ef:01:23:45:67:89:ab:cd:ef:01",
	}.Normalize()
	if cfg.SSLThumbprint != "ABCDEF0123456789ABCDEF0123456789ABCDEF01" {
		t.Fatalf("unexpected thumbprint %q", cfg.SSLThumbprint)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid acs config, got %v", err)
	}
	cfg.APNSThumbprint = "XYZ"
	cfg.ACSRealm = "ftp://push"
	err := cfg.Validate()
	var fe setup.FieldErrors
	if !errors.As(err, &fe) || len(fe) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}
	if !strings.Contains(err.Error(), "apns-thumbprint") || !strings.Contains(err.Error(), "acs-realm") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestToolkitUnknownConnectionType(t *testing.T) {
	t.Parallel()
	err := setup.ToolkitConfig{ConnectionType: "carrier-pigeon"}.Validate()
	var fe setup.FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if _, ok := fe.Field("connection-type"); !ok {
		t.Fatalf("expected connection-type error, got %v", fe)
	}
}

func TestToolkitWriteAndLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "toolkit.yaml")
	req := setup.Request{RelyingParty: "push", Realm: "https://push.example.com/", SigningKey: testKey, TokenLifetime: time.Hour}
	cfg := setup.ToolkitFromResult("contoso", req, setup.Result{RelyingPartyID: 7})
	if err := cfg.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{"connection-type: acs", "acs-namespace: contoso", "acs-relying-party: push"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %q in\n%s", want, data)
		}
	}
	if strings.Contains(string(data), "account-name") {
		t.Fatalf("empty fields should be omitted:\n%s", data)
	}
	loaded, err := setup.LoadToolkitConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, cfg)
	}
}

func TestToolkitWriteRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "toolkit.yaml")
	if err := (setup.ToolkitConfig{ConnectionType: "acs"}).WriteFile(path); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("invalid config must not be written, stat err=%v", err)
	}
}

func TestRequestNormalizeDefaults(t *testing.T) {
	t.Parallel()
	req, err := setup.Request{RelyingParty: " push ", Realm: "http://push.local/"}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.RelyingParty != "push" || req.DisplayName != "push" {
		t.Fatalf("unexpected names %+v", req)
	}
	if req.TokenLifetime != setup.DefaultTokenLifetime || req.KeyLifetime != setup.DefaultKeyLifetime {
		t.Fatalf("unexpected lifetimes %+v", req)
	}
	other, err := setup.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if req.SigningKey == "" || req.SigningKey == other {
		t.Fatalf("expected distinct generated keys, got %q and %q", req.SigningKey, other)
	}
}
