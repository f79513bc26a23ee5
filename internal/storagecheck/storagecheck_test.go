package storagecheck

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

var accountKey = base64.StdEncoding.EncodeToString([]byte("not-a-real-storage-account-key!!"))

const listBody = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ServiceEndpoint="http://127.0.0.1/"><MaxResults>1</MaxResults><Containers><Container><Name>push</Name><Properties><Last-Modified>Mon, 01 Jan 2024 00:00:00 GMT</Last-Modified><Etag>"0x8D"</Etag></Properties></Container></Containers><NextMarker /></EnumerationResults>`

func blobServer(t *testing.T, authorized bool, containers ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "SharedKey pushstore:") {
			t.Errorf("missing shared key authorization: %q", r.Header.Get("Authorization"))
		}
		if !authorized {
			w.Header().Set("x-ms-error-code", "AuthenticationFailed")
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?><Error><Code>AuthenticationFailed</Code><Message>Signature mismatch</Message></Error>`))
			return
		}
		switch {
		case r.URL.Query().Get("comp") == "list":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(listBody))
		case r.URL.Query().Get("restype") == "container":
			name := strings.Trim(r.URL.Path, "/")
			for _, c := range containers {
				if c == name {
					w.WriteHeader(http.StatusOK)
					return
				}
			}
			w.Header().Set("x-ms-error-code", "ContainerNotFound")
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyPasses(t *testing.T) {
	srv := blobServer(t, true, "push")
	res, err := Verify(context.Background(), Config{
		Account:    "pushstore",
		AccessKey:  accountKey,
		Endpoint:   srv.URL + "/",
		Container:  "push",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("expected all checks to pass, failed: %+v", res.Failed())
	}
	if len(res.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %+v", res.Checks)
	}
}

func TestVerifyReportsListFailure(t *testing.T) {
	srv := blobServer(t, false)
	res, err := Verify(context.Background(), Config{
		Account:    "pushstore",
		AccessKey:  accountKey,
		Endpoint:   srv.URL + "/",
		Container:  "push",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	failed := res.Failed()
	if res.Passed() || len(failed) != 1 || failed[0].Name != "ListContainers" {
		t.Fatalf("expected ListContainers failure, got %+v", res.Checks)
	}
	var respErr *azcore.ResponseError
	if !errors.As(failed[0].Err, &respErr) || respErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected wrapped 403, got %v", failed[0].Err)
	}
	if !strings.Contains(failed[0].Err.Error(), "AuthenticationFailed") {
		t.Fatalf("expected error code in message, got %q", failed[0].Err.Error())
	}
	if len(res.Checks) != 2 {
		t.Fatalf("container check should be skipped, got %+v", res.Checks)
	}
}

func TestVerifyMissingContainer(t *testing.T) {
	srv := blobServer(t, true)
	res, err := Verify(context.Background(), Config{
		Account:    "pushstore",
		AccessKey:  accountKey,
		Endpoint:   srv.URL + "/",
		Container:  "absent",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].Name != "ContainerExists" || !strings.Contains(failed[0].Err.Error(), "does not exist") {
		t.Fatalf("expected missing container, got %+v", res.Checks)
	}
}

func TestVerifyRejectsBadKey(t *testing.T) {
	res, err := Verify(context.Background(), Config{Account: "pushstore", AccessKey: "%%%not-base64"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(res.Checks) != 1 || res.Checks[0].Name != "Credentials" || res.Checks[0].Err == nil {
		t.Fatalf("expected credential failure, got %+v", res.Checks)
	}
	if res.Endpoint != "https://pushstore.blob.core.windows.net/" {
		t.Fatalf("unexpected default endpoint %q", res.Endpoint)
	}
}

func TestVerifyRequiresAccount(t *testing.T) {
	if _, err := Verify(context.Background(), Config{AccessKey: accountKey}); err == nil {
		t.Fatal("expected error for missing account")
	}
	if _, err := Verify(context.Background(), Config{Account: "pushstore"}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if (Result{}).Passed() {
		t.Fatal("empty result must not pass")
	}
}
