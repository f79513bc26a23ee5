package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/antchfx/xmlquery"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/batch"
	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/acstest"
	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/internal/correlation"
)

func serverOptions(s *acstest.Server, extra ...client.Option) []client.Option {
	opts := []client.Option{
		client.WithTokenURL(s.TokenURL()),
		client.WithServiceURL(s.ServiceURL()),
		client.WithHTTPClient(s.HTTPClient()),
		client.WithRetry(0, 0),
	}
	return append(opts, extra...)
}

func newTestClient(t *testing.T, s *acstest.Server, extra ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, status, err := client.ObtainToken(ctx, "contoso", s.Key, serverOptions(s, extra...)...)
	if err != nil {
		t.Fatalf("obtain token: status=%d err=%v", status, err)
	}
	return cli
}

func TestObtainTokenSuccess(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	cli, status, err := client.ObtainToken(context.Background(), "contoso", s.Key, serverOptions(s, client.WithClock(clk))...)
	if err != nil {
		t.Fatalf("obtain token: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}
	if cli.Token() != s.Token {
		t.Fatalf("decoded token mismatch: %q", cli.Token())
	}
	if cli.RawToken() != s.RawToken() {
		t.Fatalf("raw token mismatch: %q", cli.RawToken())
	}
	if cli.Namespace() != "contoso" {
		t.Fatalf("unexpected namespace %q", cli.Namespace())
	}
	if want := start.Add(600 * time.Second); !cli.ExpiresAt().Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, cli.ExpiresAt())
	}
	if cli.Expired() {
		t.Fatal("fresh token reported expired")
	}
	clk.Advance(601 * time.Second)
	if !cli.Expired() {
		t.Fatal("token should be expired after its lifetime")
	}
	reqs := s.Requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodPost || reqs[0].RequestID == "" {
		t.Fatalf("unexpected token requests: %+v", reqs)
	}
}

func TestObtainTokenRejected(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	cli, status, err := client.ObtainToken(context.Background(), "contoso", "wrong-key", serverOptions(s)...)
	if cli != nil {
		t.Fatal("expected no client on rejected token request")
	}
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if !client.IsKind(err, client.KindTokenAcquisition) {
		t.Fatalf("expected token acquisition error, got %v", err)
	}
	if client.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected status on error, got %d", client.StatusCode(err))
	}
}

func TestObtainTokenNetworkFailure(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	cli, status, err := client.ObtainToken(context.Background(), "contoso", "key",
		client.WithTokenURL(url+"/WRAPv0.9/"),
		client.WithServiceURL(url+"/v2/mgmt/service/"),
		client.WithRetry(0, 0),
	)
	if cli != nil || status != 0 {
		t.Fatalf("expected nil client and status 0, got %v %d", cli, status)
	}
	if !client.IsKind(err, client.KindTokenAcquisition) {
		t.Fatalf("expected token acquisition error, got %v", err)
	}
}

func TestObtainTokenRequiresNamespace(t *testing.T) {
	t.Parallel()
	_, status, err := client.ObtainToken(context.Background(), "  ", "key")
	if status != 0 || !client.IsKind(err, client.KindTokenAcquisition) {
		t.Fatalf("expected token acquisition error, got %d %v", status, err)
	}
}

func TestURLForEntity(t *testing.T) {
	t.Parallel()
	cli, err := client.NewWithToken("contoso", "tok%3Den")
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	cases := map[string]string{
		"RelyingParties":       "https://contoso.accesscontrol.windows.net/v2/mgmt/service/RelyingParties",
		"/RelyingParties(10L)": "https://contoso.accesscontrol.windows.net/v2/mgmt/service/RelyingParties(10L)",
		"":                     "https://contoso.accesscontrol.windows.net/v2/mgmt/service/",
		"$batch":               "https://contoso.accesscontrol.windows.net/v2/mgmt/service/$batch",
	}
	for in, want := range cases {
		if got := cli.URLForEntity(in); got != want {
			t.Fatalf("URLForEntity(%q) = %q, want %q", in, got, want)
		}
		if again := cli.URLForEntity(in); again != want {
			t.Fatalf("URLForEntity(%q) not stable: %q", in, again)
		}
	}
	if cli.Token() != "tok=en" {
		t.Fatalf("expected decoded token, got %q", cli.Token())
	}
	custom, err := client.NewWithToken("fabrikam", "t", client.WithServiceURL("http://localhost:8080/%s/mgmt"))
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	if got := custom.URLForEntity("Issuers"); got != "http://localhost:8080/fabrikam/mgmt/Issuers" {
		t.Fatalf("unexpected templated url %q", got)
	}
}

func TestGetEntriesInOrder(t *testing.T) {
	t.Parallel()
	s := acstest.New(t,
		acstest.WithEntity("RelyingParties", map[string]string{"Name": "alpha", "DisplayName": "Alpha"}),
		acstest.WithEntity("RelyingParties", map[string]string{"Name": "beta", "DisplayName": "Beta & Co"}),
		acstest.WithEntity("RelyingParties", map[string]string{"Name": "gamma"}),
	)
	cli := newTestClient(t, s)
	ctx := correlation.With(context.Background(), "req-123")
	var names []string
	err := cli.GetEntries(ctx, "RelyingParties", func(e atom.Entry) bool {
		names = append(names, e.Properties["Name"])
		return true
	})
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if strings.Join(names, ",") != "alpha,beta,gamma" {
		t.Fatalf("unexpected order %v", names)
	}
	reqs := s.Requests()
	last := reqs[len(reqs)-1]
	if last.Authorization != `WRAP access_token="`+s.Token+`"` {
		t.Fatalf("unexpected authorization header %q", last.Authorization)
	}
	if last.RequestID != "req-123" {
		t.Fatalf("expected correlation id to be forwarded, got %q", last.RequestID)
	}

	var seen int
	err = cli.GetEntries(context.Background(), "RelyingParties", func(e atom.Entry) bool {
		seen++
		if e.Properties["DisplayName"] != "Alpha" {
			t.Fatalf("unexpected first entry %+v", e)
		}
		return false
	})
	if err != nil || seen != 1 {
		t.Fatalf("expected early stop after one entry, seen=%d err=%v", seen, err)
	}
}

func TestGetXMLServiceError(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	cli := newTestClient(t, s)
	doc, err := cli.GetXML(context.Background(), "RelyingParties(42L)")
	if doc != nil {
		t.Fatal("expected nil document on error")
	}
	var cerr *client.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *client.Error, got %T %v", err, err)
	}
	if cerr.Kind != client.KindService || cerr.StatusCode != http.StatusNotFound || cerr.Code != "ResourceNotFound" {
		t.Fatalf("unexpected error %+v", cerr)
	}
	var svcErr *atom.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected wrapped service error, got %v", err)
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected wrapped azcore response error, got %v", err)
	}
}

func TestInvalidTokenIsRejected(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	cli, err := client.NewWithToken("contoso", "bogus", serverOptions(s)...)
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	_, err = cli.Get(context.Background(), "RelyingParties")
	if client.StatusCode(err) != http.StatusUnauthorized || !client.IsKind(err, client.KindService) {
		t.Fatalf("expected 401 service error, got %v", err)
	}
}

func TestHTTPStatusWithoutEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()
	cli, err := client.NewWithToken("contoso", "t", client.WithServiceURL(srv.URL), client.WithHTTPClient(srv.Client()), client.WithRetry(0, 0))
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	body, err := cli.Get(context.Background(), "Issuers")
	if body != nil || !client.IsKind(err, client.KindHTTPStatus) || client.StatusCode(err) != http.StatusTeapot {
		t.Fatalf("expected http status error, got %v", err)
	}
}

func TestGetXMLMalformed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not xml"))
	}))
	defer srv.Close()
	cli, err := client.NewWithToken("contoso", "t", client.WithServiceURL(srv.URL), client.WithHTTPClient(srv.Client()), client.WithRetry(0, 0))
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	_, err = cli.GetXML(context.Background(), "Issuers")
	if !client.IsKind(err, client.KindXMLParse) || !errors.Is(err, atom.ErrMalformed) {
		t.Fatalf("expected xml parse error, got %v", err)
	}
}

func TestMaxResponseBytes(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithEntity("Issuers", map[string]string{"Name": "LiveID"}))
	cli, err := client.NewWithToken("contoso", s.RawToken(), serverOptions(s, client.WithMaxResponseBytes(32))...)
	if err != nil {
		t.Fatalf("new with token: %v", err)
	}
	if _, err := cli.Get(context.Background(), "Issuers"); !client.IsKind(err, client.KindNetwork) {
		t.Fatalf("expected oversize body to fail, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithEntity("RelyingParties", map[string]string{"Name": "doomed"}))
	cli := newTestClient(t, s)
	id := s.Entities("RelyingParties")[0].ID
	entity := "RelyingParties(" + itoa(id) + "L)"
	if err := cli.Delete(context.Background(), entity); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(s.Entities("RelyingParties")); n != 0 {
		t.Fatalf("expected entity removed, %d left", n)
	}
	err := cli.Delete(context.Background(), entity)
	if client.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %v", err)
	}
}

func TestSendBatchCreatesEntities(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	cli := newTestClient(t, s)
	b := cli.CreateMimeBody()
	if err := b.Append("RelyingParties",
		batch.String("Name", "portal"),
		batch.String("DisplayName", "Portal"),
		batch.Bool("AsymmetricTokenEncryptionRequired", false),
		batch.Int32("TokenLifetime", 3600),
	); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Append("RelyingPartyAddresses",
		batch.String("Address", "https://portal.example.com/"),
		batch.String("EndpointType", "Realm"),
	); err != nil {
		t.Fatalf("append: %v", err)
	}
	var got []client.BatchResponse
	if err := cli.SendBatch(context.Background(), b, func(r client.BatchResponse) {
		got = append(got, r)
	}); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(got))
	}
	for i, r := range got {
		if r.ContentID != itoa(int64(i+1)) || r.StatusCode != http.StatusCreated || r.Document == nil || r.Location == "" {
			t.Fatalf("unexpected response %d: %+v", i, r)
		}
	}
	rps := s.Entities("RelyingParties")
	if len(rps) != 1 || rps[0].Properties["Name"] != "portal" || rps[0].Properties["TokenLifetime"] != "3600" {
		t.Fatalf("unexpected relying parties %+v", rps)
	}
	if addrs := s.Entities("RelyingPartyAddresses"); len(addrs) != 1 || addrs[0].Properties["EndpointType"] != "Realm" {
		t.Fatalf("unexpected addresses %+v", addrs)
	}
	if !b.Closed() {
		t.Fatal("expected builder finalized after send")
	}
}

func TestSendBatchReportsFailingPart(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithFailingSet("RelyingPartyKeys", http.StatusBadRequest))
	cli := newTestClient(t, s)
	b := cli.CreateMimeBody()
	_ = b.Append("RelyingParties", batch.String("Name", "portal"))
	_ = b.Append("RelyingPartyKeys", batch.Binary("Value", []byte{1, 2, 3}))
	_ = b.Append("RelyingPartyAddresses", batch.String("Address", "https://portal/"))
	var ids []string
	err := cli.SendBatch(context.Background(), b, func(r client.BatchResponse) {
		ids = append(ids, r.ContentID)
	})
	var cerr *client.Error
	if !errors.As(err, &cerr) || cerr.Kind != client.KindBatchPart {
		t.Fatalf("expected batch part error, got %v", err)
	}
	if cerr.ContentID != "2" || cerr.StatusCode != http.StatusBadRequest || cerr.Code != "InjectedFailure" {
		t.Fatalf("unexpected batch part error %+v", cerr)
	}
	if strings.Join(ids, ",") != "1,3" {
		t.Fatalf("expected remaining parts delivered, got %v", ids)
	}
}

func TestAsyncCompletionsFireOnce(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithEntity("Issuers", map[string]string{"Name": "LiveID"}))
	ctx := context.Background()

	clientCh := make(chan *client.Client, 2)
	client.ObtainTokenAsync(ctx, "contoso", s.Key, func(c *client.Client, status int, err error) {
		if err != nil || status != http.StatusOK {
			t.Errorf("async token: status=%d err=%v", status, err)
		}
		clientCh <- c
	}, serverOptions(s)...)
	cli := <-clientCh
	if cli == nil {
		t.Fatal("expected client from async token")
	}

	var wg sync.WaitGroup
	var calls atomic.Int32
	wg.Add(4)
	cli.GetAsync(ctx, "Issuers", func(body []byte, err error) {
		defer wg.Done()
		calls.Add(1)
		if err != nil || len(body) == 0 {
			t.Errorf("get async: %v", err)
		}
	})
	cli.GetXMLAsync(ctx, "Issuers", func(doc *xmlquery.Node, err error) {
		defer wg.Done()
		calls.Add(1)
		if err != nil || doc == nil {
			t.Errorf("get xml async: %v", err)
		}
	})
	var entries atomic.Int32
	cli.GetEntriesAsync(ctx, "Issuers", func(atom.Entry) bool {
		entries.Add(1)
		return true
	}, func(err error) {
		defer wg.Done()
		calls.Add(1)
		if err != nil {
			t.Errorf("get entries async: %v", err)
		}
	})
	cli.DeleteAsync(ctx, "Issuers(1L)", func(err error) {
		defer wg.Done()
		calls.Add(1)
		if client.StatusCode(err) != http.StatusNotFound {
			t.Errorf("expected 404 from async delete, got %v", err)
		}
	})
	wg.Wait()
	if calls.Load() != 4 || entries.Load() != 1 {
		t.Fatalf("expected 4 completions and 1 entry, got %d and %d", calls.Load(), entries.Load())
	}

	done := make(chan error, 2)
	b := cli.CreateMimeBody()
	_ = b.Append("Issuers", batch.String("Name", "Google"))
	var parts atomic.Int32
	cli.SendBatchAsync(ctx, b, func(client.BatchResponse) { parts.Add(1) }, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send batch async: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("send batch async never completed")
	}
	select {
	case err := <-done:
		t.Fatalf("completion fired twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if parts.Load() != 1 {
		t.Fatalf("expected one batch part, got %d", parts.Load())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
