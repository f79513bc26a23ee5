package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	azruntime "github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/acsconfig/internal/correlation"
)

const (
	formAccessToken = "wrap_access_token"
	formExpiresIn   = "wrap_access_token_expires_in"
)

var errNoToken = errors.New("response carries no wrap_access_token")

// ObtainToken exchanges managementKey for a WRAP access token and returns a
// Client bound to namespace. The int result is the HTTP status of the token
// response, or 0 when no response was received.
func ObtainToken(ctx context.Context, namespace, managementKey string, opts ...Option) (*Client, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient(namespace, opts)
	if c.namespace == "" {
		return nil, 0, &Error{Kind: KindTokenAcquisition, Op: "obtain_token", Err: errors.New("namespace required")}
	}
	status, err := c.requestToken(ctx, managementKey)
	if err != nil {
		return nil, status, err
	}
	return c, status, nil
}

func (c *Client) requestToken(ctx context.Context, key string) (int, error) {
	const op = "obtain_token"
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := c.tel.tracer.Start(ctx, "acsconfig.client."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("acs.namespace", c.namespace)))
	defer span.End()
	fail := func(status int, err error) (int, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token request failed")
		c.tel.record(ctx, op, status)
		c.logger.Warn("client.token.error", "namespace", c.namespace, "status", status, "error", err, "cid", cid)
		return status, err
	}
	c.logger.Trace("client.token.request", "namespace", c.namespace, "url", c.tokenURL, "issuer", c.issuer, "cid", cid)

	form := url.Values{}
	form.Set("wrap_name", c.issuer)
	form.Set("wrap_password", key)
	form.Set("wrap_scope", c.serviceURL)

	req, err := azruntime.NewRequest(ctx, http.MethodPost, c.tokenURL)
	if err != nil {
		return fail(0, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, Err: err})
	}
	req.Raw().Header.Set(correlation.Header, cid)
	if err := req.SetBody(streaming.NopCloser(bytes.NewReader([]byte(form.Encode()))), "application/x-www-form-urlencoded"); err != nil {
		return fail(0, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, Err: err})
	}
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return fail(0, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, Err: err})
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, StatusCode: resp.StatusCode, Err: err})
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, StatusCode: resp.StatusCode, Body: body})
	}
	raw, expiresIn, err := parseTokenResponse(string(body))
	if err == nil {
		err = c.setToken(raw, expiresIn)
	}
	if err != nil {
		return fail(resp.StatusCode, &Error{Kind: KindTokenAcquisition, Op: op, Entity: c.tokenURL, StatusCode: resp.StatusCode, Body: body, Err: err})
	}
	c.tel.record(ctx, op, resp.StatusCode)
	c.logger.Debug("client.token.success", "namespace", c.namespace, "expires_at", c.expiresAt, "cid", cid)
	return resp.StatusCode, nil
}

// parseTokenResponse extracts the still-encoded access token and the
// expires_in seconds (0 when absent) from a WRAP form response.
func parseTokenResponse(body string) (string, int, error) {
	var raw string
	var found bool
	expiresIn := 0
	for _, pair := range strings.Split(strings.TrimSpace(body), "&") {
		name, value, _ := strings.Cut(pair, "=")
		switch name {
		case formAccessToken:
			raw, found = value, true
		case formExpiresIn:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return "", 0, fmt.Errorf("invalid %s %q", formExpiresIn, value)
			}
			expiresIn = n
		}
	}
	if !found || raw == "" {
		return "", 0, errNoToken
	}
	return raw, expiresIn, nil
}

func (c *Client) setToken(raw string, expiresIn int) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errNoToken
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return fmt.Errorf("decode access token: %w", err)
	}
	c.rawToken = raw
	c.token = decoded
	switch {
	case expiresIn > 0:
		c.expiresAt = c.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	default:
		c.expiresAt = swtExpiry(decoded)
	}
	return nil
}

// swtExpiry reads the ExpiresOn claim (unix seconds) from a simple web token.
func swtExpiry(token string) time.Time {
	values, err := url.ParseQuery(token)
	if err != nil {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(values.Get("ExpiresOn"), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
