// Package storagecheck verifies storage account credentials used by the
// direct connection type.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultEndpointPattern is the blob endpoint for an account name.
const DefaultEndpointPattern = "https://%s.blob.core.windows.net/"

// Config identifies the account to check.
type Config struct {
	Account   string
	AccessKey string
	// Endpoint overrides DefaultEndpointPattern.
	Endpoint string
	// Container, when set, must exist in the account.
	Container  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Result summarises a verification run.
type Result struct {
	Account  string
	Endpoint string
	Checks   []CheckResult
}

// CheckResult records the outcome of one check.
type CheckResult struct {
	Name string
	Err  error
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return len(r.Checks) > 0
}

// Failed returns the checks that did not pass.
func (r Result) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Verify checks that the account key is usable. Check failures are reported
// in the Result; the error is reserved for unusable configuration.
func Verify(ctx context.Context, cfg Config) (Result, error) {
	cfg.Account = strings.TrimSpace(cfg.Account)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	if cfg.Account == "" {
		return Result{}, errors.New("storagecheck: account name required")
	}
	if cfg.AccessKey == "" {
		return Result{}, errors.New("storagecheck: access key required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(DefaultEndpointPattern, cfg.Account)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	result := Result{Account: cfg.Account, Endpoint: endpoint}
	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
		return err == nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var service *azblob.Client
	ok := run("Credentials", func(context.Context) error {
		cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccessKey)
		if err != nil {
			return fmt.Errorf("invalid access key: %w", err)
		}
		service, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOptions(cfg.HTTPClient))
		return err
	})
	if !ok {
		return result, nil
	}

	ok = run("ListContainers", func(ctx context.Context) error {
		max := int32(1)
		pager := service.NewListContainersPager(&azblob.ListContainersOptions{MaxResults: &max})
		if pager.More() {
			_, err := pager.NextPage(ctx)
			return describe(err)
		}
		return nil
	})
	if !ok || cfg.Container == "" {
		return result, nil
	}

	run("ContainerExists", func(ctx context.Context) error {
		_, err := service.ServiceClient().NewContainerClient(cfg.Container).GetProperties(ctx, nil)
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("container %s does not exist", cfg.Container)
		}
		return describe(err)
	})
	return result, nil
}

func clientOptions(cli *http.Client) *azblob.ClientOptions {
	if cli == nil {
		cli = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())}
	}
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: cli,
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
	}
}

// describe shortens the multi-line azcore response error to its status and
// service error code.
func describe(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch {
	case respErr.ErrorCode != "":
		return fmt.Errorf("status %d: %s: %w", respErr.StatusCode, respErr.ErrorCode, errShort{err})
	default:
		return fmt.Errorf("status %d: %w", respErr.StatusCode, errShort{err})
	}
}

// errShort keeps the wrapped error reachable for errors.As without repeating
// its verbose text.
type errShort struct{ err error }

func (e errShort) Error() string { return "request failed" }
func (e errShort) Unwrap() error { return e.err }
