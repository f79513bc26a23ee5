package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	azruntime "github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/antchfx/xmlquery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/batch"
	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/internal/correlation"
	"pkt.systems/acsconfig/internal/svcfields"
	"pkt.systems/acsconfig/internal/version"
)

const (
	// DefaultTokenURL is the WRAP endpoint template; %s is the namespace.
	DefaultTokenURL = "https://%s.accesscontrol.windows.net/WRAPv0.9/"
	// DefaultServiceURL is the management service base template.
	DefaultServiceURL = "https://%s.accesscontrol.windows.net/v2/mgmt/service/"
	// DefaultIssuer is the wrap_name sent with the management key.
	DefaultIssuer = "ManagementClient"
	// DefaultHTTPTimeout bounds each HTTP attempt.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultMaxResponseBytes caps how much of a response body is read.
	DefaultMaxResponseBytes int64 = 16 << 20
	// DefaultMaxRetries is the retry count for idempotent failures.
	DefaultMaxRetries int32 = 2

	acceptHeader      = "application/atom+xml,application/xml"
	dataServiceHeader = "1.0;NetFx"
)

// Client issues authenticated requests against one namespace. A Client is
// safe for concurrent use once returned by ObtainToken.
type Client struct {
	namespace        string
	issuer           string
	tokenURL         string
	serviceURL       string
	httpClient       *http.Client
	httpTimeout      time.Duration
	maxRetries       int32
	retryDelay       time.Duration
	maxResponseBytes int64
	clock            clock.Clock
	logger           pslog.Logger
	pipeline         azruntime.Pipeline
	tel              *telemetry

	rawToken  string
	token     string
	expiresAt time.Time
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithTokenURL overrides the WRAP endpoint. A "%s" in tmpl is replaced with
// the namespace; anything else is used as-is.
func WithTokenURL(tmpl string) Option {
	return func(c *Client) {
		if tmpl = strings.TrimSpace(tmpl); tmpl != "" {
			c.tokenURL = tmpl
		}
	}
}

// WithServiceURL overrides the management service base URL, using the same
// template rules as WithTokenURL.
func WithServiceURL(tmpl string) Option {
	return func(c *Client) {
		if tmpl = strings.TrimSpace(tmpl); tmpl != "" {
			c.serviceURL = tmpl
		}
	}
}

// WithIssuer overrides the wrap_name sent with the token request.
func WithIssuer(issuer string) Option {
	return func(c *Client) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithRetry sets how many times a failed request is retried and the base
// delay between attempts. maxRetries <= 0 disables retries.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		if maxRetries <= 0 {
			c.maxRetries = -1
		} else {
			c.maxRetries = int32(maxRetries)
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithHTTPTimeout overrides the per-attempt timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithMaxResponseBytes caps the bytes read from a single response body.
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// WithClock overrides the clock used for token expiry and batch timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clock.Or(clk)
	}
}

func newClient(namespace string, opts []Option) *Client {
	c := &Client{
		namespace:        strings.TrimSpace(namespace),
		issuer:           DefaultIssuer,
		tokenURL:         DefaultTokenURL,
		serviceURL:       DefaultServiceURL,
		httpTimeout:      DefaultHTTPTimeout,
		maxRetries:       DefaultMaxRetries,
		retryDelay:       500 * time.Millisecond,
		maxResponseBytes: DefaultMaxResponseBytes,
		clock:            clock.Real{},
		logger:           pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())}
	}
	c.tokenURL = expandTemplate(c.tokenURL, c.namespace)
	c.serviceURL = expandTemplate(c.serviceURL, c.namespace)
	if !strings.HasSuffix(c.serviceURL, "/") {
		c.serviceURL += "/"
	}
	c.pipeline = azruntime.NewPipeline("acsconfig", version.Current(), azruntime.PipelineOptions{}, &policy.ClientOptions{
		Transport: c.httpClient,
		Retry: policy.RetryOptions{
			MaxRetries:    c.maxRetries,
			RetryDelay:    c.retryDelay,
			MaxRetryDelay: 8 * c.retryDelay,
			TryTimeout:    c.httpTimeout,
		},
		Telemetry: policy.TelemetryOptions{ApplicationID: "acsconfig"},
	})
	c.tel = newTelemetry(c.logger)
	return c
}

func expandTemplate(tmpl, namespace string) string {
	if strings.Contains(tmpl, "%s") {
		return strings.ReplaceAll(tmpl, "%s", namespace)
	}
	return tmpl
}

// NewWithToken builds a Client around an already issued raw (form-encoded)
// WRAP token, skipping the token request.
func NewWithToken(namespace, rawToken string, opts ...Option) (*Client, error) {
	c := newClient(namespace, opts)
	if err := c.setToken(rawToken, 0); err != nil {
		return nil, &Error{Kind: KindTokenAcquisition, Op: "new", Err: err}
	}
	return c, nil
}

// Namespace returns the namespace the client is bound to.
func (c *Client) Namespace() string { return c.namespace }

// Token returns the decoded access token.
func (c *Client) Token() string { return c.token }

// RawToken returns the access token exactly as the token endpoint sent it.
func (c *Client) RawToken() string { return c.rawToken }

// ExpiresAt returns when the token stops being valid, or the zero time when
// the expiry is unknown.
func (c *Client) ExpiresAt() time.Time { return c.expiresAt }

// Expired reports whether the token has passed its expiry. Tokens with an
// unknown expiry never report expired.
func (c *Client) Expired() bool {
	if c.expiresAt.IsZero() {
		return false
	}
	return !c.clock.Now().Before(c.expiresAt)
}

// URLForEntity composes the absolute URL of an entity set or entity path.
func (c *Client) URLForEntity(name string) string {
	return c.serviceURL + strings.TrimLeft(name, "/")
}

// ISO8601 formats t the way the service expects DateTime values.
func (c *Client) ISO8601(t time.Time) string { return atom.ISO8601(t) }

// CreateMimeBody starts a new batch whose URLs resolve against this client.
func (c *Client) CreateMimeBody() *batch.Builder {
	return batch.New(c, batch.WithClock(c.clock))
}

// Get fetches entity and returns the raw response body.
func (c *Client) Get(ctx context.Context, entity string) ([]byte, error) {
	res, err := c.do(ctx, "get", http.MethodGet, entity, nil, "")
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

// GetXML fetches entity and parses the body. A service error envelope in a
// 2xx body is reported as KindService.
func (c *Client) GetXML(ctx context.Context, entity string) (*xmlquery.Node, error) {
	body, err := c.Get(ctx, entity)
	if err != nil {
		return nil, err
	}
	doc, err := atom.Parse(body)
	if err != nil {
		return nil, &Error{Kind: KindXMLParse, Op: "get", Entity: entity, StatusCode: http.StatusOK, Body: body, Err: err}
	}
	if svcErr := atom.CheckForError(doc); svcErr != nil {
		return nil, serviceError("get", entity, http.StatusOK, svcErr, body)
	}
	return doc, nil
}

// GetEntries fetches an AtomPub feed and calls fn for each entry in
// document order until fn returns false.
func (c *Client) GetEntries(ctx context.Context, entity string, fn func(atom.Entry) bool) error {
	doc, err := c.GetXML(ctx, entity)
	if err != nil {
		return err
	}
	return atom.ParseAtomPub(doc, func(_ int, e atom.Entry) bool {
		return fn(e)
	})
}

// Delete removes entity.
func (c *Client) Delete(ctx context.Context, entity string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, entity, nil, "")
	return err
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, op, method, entity string, body []byte, contentType string) (*response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cid := correlation.Ensure(ctx)
	target := c.URLForEntity(entity)
	ctx, span := c.tel.tracer.Start(ctx, "acsconfig.client."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("acs.namespace", c.namespace),
			attribute.String("acs.entity", entity),
			attribute.String("http.request.method", method),
		))
	defer span.End()
	start := c.clock.Now()
	c.logger.Trace("client.http."+op+".start", "entity", entity, "url", target, "cid", cid)

	req, err := azruntime.NewRequest(ctx, method, target)
	if err != nil {
		return nil, c.fail(ctx, span, op, &Error{Kind: KindNetwork, Op: op, Entity: entity, Err: err})
	}
	h := req.Raw().Header
	h.Set("Authorization", `WRAP access_token="`+c.token+`"`)
	h.Set("Accept", acceptHeader)
	h.Set("DataServiceVersion", dataServiceHeader)
	h.Set("MaxDataServiceVersion", "2.0;NetFx")
	h.Set(correlation.Header, cid)
	if body != nil {
		if err := req.SetBody(streaming.NopCloser(bytes.NewReader(body)), contentType); err != nil {
			return nil, c.fail(ctx, span, op, &Error{Kind: KindNetwork, Op: op, Entity: entity, Err: err})
		}
	}
	resp, err := c.pipeline.Do(req)
	if err != nil {
		return nil, c.fail(ctx, span, op, &Error{Kind: KindNetwork, Op: op, Entity: entity, Err: err})
	}
	defer resp.Body.Close()
	data, err := c.readBody(resp.Body)
	if err != nil {
		return nil, c.fail(ctx, span, op, &Error{Kind: KindNetwork, Op: op, Entity: entity, StatusCode: resp.StatusCode, Err: err})
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.fail(ctx, span, op, statusError(op, entity, resp, data))
	}
	c.tel.record(ctx, op, resp.StatusCode)
	c.logger.Debug("client.http."+op+".success", "entity", entity, "status", resp.StatusCode, "bytes", len(data), "elapsed", c.clock.Now().Sub(start), "cid", cid)
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.maxResponseBytes)
	}
	return data, nil
}

func (c *Client) fail(ctx context.Context, span trace.Span, op string, err *Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.String())
	c.tel.record(ctx, op, err.StatusCode)
	c.logger.Warn("client.http."+op+".error", "entity", err.Entity, "kind", err.Kind.String(), "status", err.StatusCode, "error", err, "cid", correlation.ID(ctx))
	return err
}

// statusError converts a non-2xx response into a KindService error when the
// body carries an error envelope, or KindHTTPStatus otherwise.
func statusError(op, entity string, resp *http.Response, body []byte) *Error {
	respErr := &azcore.ResponseError{StatusCode: resp.StatusCode, RawResponse: resp}
	if doc, err := atom.Parse(body); err == nil {
		if svcErr := atom.CheckForError(doc); svcErr != nil {
			respErr.ErrorCode = svcErr.Code
			e := serviceError(op, entity, resp.StatusCode, svcErr, body)
			e.Err = fmt.Errorf("%w: %w", svcErr, respErr)
			return e
		}
	}
	return &Error{Kind: KindHTTPStatus, Op: op, Entity: entity, StatusCode: resp.StatusCode, Body: body, Err: respErr}
}

func serviceError(op, entity string, status int, svcErr *atom.ServiceError, body []byte) *Error {
	msg := svcErr.Message
	if svcErr.Detail != "" {
		if msg != "" {
			msg += ": "
		}
		msg += svcErr.Detail
	}
	return &Error{
		Kind:       KindService,
		Op:         op,
		Entity:     entity,
		StatusCode: status,
		Code:       svcErr.Code,
		Message:    msg,
		Body:       body,
		Err:        svcErr,
	}
}
