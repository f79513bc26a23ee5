package setup_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/acstest"
	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/setup"
	"pkt.systems/acsconfig/workqueue"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func newClient(t *testing.T, s *acstest.Server) *client.Client {
	t.Helper()
	cli, status, err := client.ObtainToken(context.Background(), "contoso", s.Key,
		client.WithTokenURL(s.TokenURL()),
		client.WithServiceURL(s.ServiceURL()),
		client.WithHTTPClient(s.HTTPClient()),
		client.WithRetry(0, 0),
	)
	if err != nil {
		t.Fatalf("obtain token: status=%d err=%v", status, err)
	}
	return cli
}

func TestRunProvisionsRelyingParty(t *testing.T) {
	t.Parallel()
	s := acstest.New(t)
	cli := newClient(t, s)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var statuses []string
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := setup.Run(ctx, cli, setup.Request{
		RelyingParty: "push",
		Realm:        "https://push.example.com/",
		SigningKey:   testKey,
	}, func(msg string) { statuses = append(statuses, msg) }, setup.WithClock(clock.NewManual(start)))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RelyingPartyID == 0 || res.AddressID == 0 || res.SigningKeyID == 0 {
		t.Fatalf("expected created ids, got %+v", res)
	}
	if res.Realm != "https://push.example.com/" || res.SigningKey != testKey || res.Replaced {
		t.Fatalf("unexpected result %+v", res)
	}

	rps := s.Entities("RelyingParties")
	if len(rps) != 1 {
		t.Fatalf("expected one relying party, got %+v", rps)
	}
	rp := rps[0].Properties
	if rp["Name"] != "push" || rp["DisplayName"] != "push" || rp["TokenType"] != "SWT" || rp["TokenLifetime"] != "3600" || rp["AsymmetricTokenEncryptionRequired"] != "false" {
		t.Fatalf("unexpected relying party properties %+v", rp)
	}
	keys := s.Entities("RelyingPartyKeys")
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %+v", keys)
	}
	k := keys[0].Properties
	if k["Value"] != testKey || k["Type"] != "Symmetric" || k["Usage"] != "Signing" || k["IsPrimary"] != "true" {
		t.Fatalf("unexpected key properties %+v", k)
	}
	if k["StartDate"] != "2026-01-02T03:04:05Z" || k["EndDate"] != "2027-01-02T03:04:05Z" {
		t.Fatalf("unexpected key validity %s..%s", k["StartDate"], k["EndDate"])
	}
	if k["RelyingPartyId"] != strconv.FormatInt(res.RelyingPartyID, 10) {
		t.Fatalf("key not linked to relying party: %+v", k)
	}
	addrs := s.Entities("RelyingPartyAddresses")
	if len(addrs) != 1 || addrs[0].Properties["EndpointType"] != "Realm" {
		t.Fatalf("unexpected addresses %+v", addrs)
	}
	if len(statuses) < 5 || !strings.Contains(strings.Join(statuses, "|"), "Creating relying party push") {
		t.Fatalf("unexpected status messages %v", statuses)
	}
}

func TestRunRefusesExistingRelyingParty(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithEntity("RelyingParties", map[string]string{"Name": "push"}))
	cli := newClient(t, s)
	_, err := setup.Run(context.Background(), cli, setup.Request{
		RelyingParty: "push",
		Realm:        "https://push.example.com/",
		SigningKey:   testKey,
	}, nil)
	if !errors.Is(err, setup.ErrRelyingPartyExists) {
		t.Fatalf("expected ErrRelyingPartyExists, got %v", err)
	}
	for _, req := range s.Requests() {
		if strings.HasSuffix(req.Path, "$batch") {
			t.Fatal("no batch should be sent when the relying party exists")
		}
	}
	if n := len(s.Entities("RelyingParties")); n != 1 {
		t.Fatalf("expected existing party untouched, got %d", n)
	}
}

func TestRunReplacesExistingRelyingParty(t *testing.T) {
	t.Parallel()
	s := acstest.New(t,
		acstest.WithEntity("RelyingParties", map[string]string{"Name": "other"}),
		acstest.WithEntity("RelyingParties", map[string]string{"Name": "push"}),
	)
	oldID := s.Entities("RelyingParties")[1].ID
	cli := newClient(t, s)
	res, err := setup.Run(context.Background(), cli, setup.Request{
		RelyingParty: "push",
		Realm:        "https://push.example.com/",
		Replace:      true,
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Replaced || res.RelyingPartyID == oldID {
		t.Fatalf("expected replacement, got %+v", res)
	}
	raw, err := base64.StdEncoding.DecodeString(res.SigningKey)
	if err != nil || len(raw) != setup.SigningKeySize {
		t.Fatalf("expected generated key, got %q (%v)", res.SigningKey, err)
	}
	var names []string
	for _, e := range s.Entities("RelyingParties") {
		names = append(names, e.Properties["Name"])
		if e.ID == oldID {
			t.Fatal("old relying party still present")
		}
	}
	if strings.Join(names, ",") != "other,push" {
		t.Fatalf("unexpected relying parties %v", names)
	}
}

func TestRunStopsAfterBatchFailure(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithFailingSet("RelyingPartyKeys", http.StatusBadRequest))
	cli := newClient(t, s)
	_, err := setup.Run(context.Background(), cli, setup.Request{
		RelyingParty: "push",
		Realm:        "https://push.example.com/",
		SigningKey:   testKey,
	}, nil)
	var cerr *client.Error
	if !errors.As(err, &cerr) || cerr.Kind != client.KindBatchPart || cerr.ContentID != "2" {
		t.Fatalf("expected batch part failure on the key, got %v", err)
	}
	for _, req := range s.Requests() {
		if req.Method == http.MethodGet && strings.Contains(req.Path, "RelyingParties(") {
			t.Fatal("verify step ran after a failure")
		}
	}
}

func TestRunRejectsCredentialsWithoutID(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithBareInserts("RelyingPartyKeys"))
	cli := newClient(t, s)
	res, err := setup.Run(context.Background(), cli, setup.Request{
		RelyingParty: "push",
		Realm:        "https://push.example.com/",
		SigningKey:   testKey,
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "carried no id") {
		t.Fatalf("expected missing id failure, got %v (result %+v)", err, res)
	}
	for _, req := range s.Requests() {
		if req.Method == http.MethodGet && strings.Contains(req.Path, "RelyingParties(") {
			t.Fatal("verify step ran after a failure")
		}
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	t.Parallel()
	_, err := setup.Run(context.Background(), nil, setup.Request{Realm: "not a url", SigningKey: "short"}, nil)
	var fe setup.FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	for _, field := range []string{"acs-relying-party", "acs-realm", "acs-signing-key"} {
		if _, ok := fe.Field(field); !ok {
			t.Fatalf("expected error for %s in %v", field, fe)
		}
	}
}

func TestTokenLifetimeBounds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		lifetime time.Duration
		wantErr  bool
	}{
		{name: "default", lifetime: 0},
		{name: "maximum", lifetime: setup.MaxTokenLifetime},
		{name: "sub-second", lifetime: 500 * time.Millisecond, wantErr: true},
		{name: "past int32 seconds", lifetime: setup.MaxTokenLifetime + time.Second, wantErr: true},
		{name: "century", lifetime: 100 * 365 * 24 * time.Hour, wantErr: true},
	}
	for _, tc := range cases {
		_, err := setup.Request{
			RelyingParty:  "push",
			Realm:         "https://push.example.com/",
			SigningKey:    testKey,
			TokenLifetime: tc.lifetime,
		}.Normalize()
		var fe setup.FieldErrors
		if !tc.wantErr {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected field errors, got %v", tc.name, err)
		}
		if _, ok := fe.Field("token-lifetime"); !ok {
			t.Fatalf("%s: expected token-lifetime error in %v", tc.name, fe)
		}
	}
}

func TestPlanStepsAndLookupFailure(t *testing.T) {
	t.Parallel()
	s := acstest.New(t, acstest.WithFailingPath("RelyingParties", http.StatusServiceUnavailable))
	cli := newClient(t, s)
	req, err := setup.Request{RelyingParty: "push", Realm: "https://push.example.com/"}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	q := setup.Plan(context.Background(), req)
	if q.Len() != 5 {
		t.Fatalf("expected 5 steps, got %d", q.Len())
	}
	q.SetClient(cli)
	var steps []string
	q.SetStatusTarget(func(msg string) { steps = append(steps, msg) })
	completed := make(chan *workqueue.Queue, 1)
	q.SetCompletionHandler(func(q *workqueue.Queue) { completed <- q })
	q.ProcessLast()
	select {
	case done := <-completed:
		if client.StatusCode(done.Err()) != http.StatusServiceUnavailable {
			t.Fatalf("expected lookup failure, got %v", done.Err())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("queue never completed")
	}
	if len(steps) == 0 || steps[0] != "lookup" {
		t.Fatalf("expected lookup announced first, got %v", steps)
	}
	for _, msg := range steps {
		if msg == "guard" {
			t.Fatal("guard ran after lookup failure")
		}
	}
}

func TestNameFilterEscapesQuotes(t *testing.T) {
	t.Parallel()
	got := setup.NameFilter("o'brien")
	if got != "RelyingParties?$filter=Name%20eq%20%27o%27%27brien%27" {
		t.Fatalf("unexpected filter %q", got)
	}
}
