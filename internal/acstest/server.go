// Package acstest runs an in-memory Access Control Service management
// endpoint for tests.
package acstest

import (
	"bufio"
	"bytes"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"pkt.systems/acsconfig/atom"
)

const (
	servicePath = "/v2/mgmt/service/"
	tokenPath   = "/WRAPv0.9/"
)

// Server is a fake management service backed by an in-memory entity store.
type Server struct {
	srv *httptest.Server

	// Key is the management key accepted by the token endpoint.
	Key string
	// Issuer is the wrap_name accepted by the token endpoint.
	Issuer string
	// Token is the decoded access token handed out.
	Token string

	mu        sync.Mutex
	nextID    int64
	entities  map[string][]*Entity
	requests  []Request
	failSets  map[string]int
	failCalls map[string]int
	bareSets  map[string]bool
}

// Entity is a stored entity.
type Entity struct {
	ID         int64
	Set        string
	Properties map[string]string
}

// Request records one call received by the server.
type Request struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	RequestID     string
}

// Option customises the server.
type Option func(*Server)

// WithKey sets the accepted management key.
func WithKey(key string) Option {
	return func(s *Server) { s.Key = key }
}

// WithEntity seeds an entity into set.
func WithEntity(set string, props map[string]string) Option {
	return func(s *Server) { s.add(set, props) }
}

// WithFailingSet makes batch inserts into set fail with status.
func WithFailingSet(set string, status int) Option {
	return func(s *Server) { s.failSets[set] = status }
}

// WithBareInserts makes batch inserts into set succeed without returning
// the created entry.
func WithBareInserts(set string) Option {
	return func(s *Server) { s.bareSets[set] = true }
}

// WithFailingPath makes direct GET/DELETE requests for path (relative to the
// service base, without query) fail with status.
func WithFailingPath(path string, status int) Option {
	return func(s *Server) { s.failCalls[path] = status }
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		Key:       "management-key",
		Issuer:    "ManagementClient",
		Token:     "net.windows.servicebus.action=Manage&Issuer=https://test.accesscontrol.windows.net/&Audience=https://test/&ExpiresOn=4102444800&HMACSHA256=c2lnbmF0dXJl",
		nextID:    1000,
		entities:  make(map[string][]*Entity),
		failSets:  make(map[string]int),
		failCalls: make(map[string]int),
		bareSets:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, s.handleToken)
	mux.HandleFunc(servicePath, s.handleService)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server base URL.
func (s *Server) URL() string { return s.srv.URL }

// TokenURL is the WRAP endpoint of the server.
func (s *Server) TokenURL() string { return s.srv.URL + tokenPath }

// ServiceURL is the management service base URL of the server.
func (s *Server) ServiceURL() string { return s.srv.URL + servicePath }

// HTTPClient returns a client wired to the server.
func (s *Server) HTTPClient() *http.Client { return s.srv.Client() }

// RawToken is Token as the token endpoint encodes it.
func (s *Server) RawToken() string { return url.QueryEscape(s.Token) }

// Entities returns a snapshot of the entities stored in set.
func (s *Server) Entities(set string) []Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entity, 0, len(s.entities[set]))
	for _, e := range s.entities[set] {
		cp := Entity{ID: e.ID, Set: e.Set, Properties: make(map[string]string, len(e.Properties))}
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Requests returns a snapshot of the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) add(set string, props map[string]string) *Entity {
	s.nextID++
	e := &Entity{ID: s.nextID, Set: set, Properties: make(map[string]string, len(props)+1)}
	for k, v := range props {
		e.Properties[k] = v
	}
	e.Properties["Id"] = strconv.FormatInt(e.ID, 10)
	s.entities[set] = append(s.entities[set], e)
	return e
}

func (s *Server) record(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		Authorization: r.Header.Get("Authorization"),
		RequestID:     r.Header.Get("x-ms-client-request-id"),
	})
	s.mu.Unlock()
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("wrap_name") != s.Issuer || r.PostForm.Get("wrap_password") != s.Key {
		http.Error(w, "Error:Code:401:SubCode:T0:Detail:ACS50012: Authentication failed.", http.StatusUnauthorized)
		return
	}
	if r.PostForm.Get("wrap_scope") == "" {
		http.Error(w, "Error:Code:400:SubCode:T0:Detail:ACS50001: Scope missing.", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	fmt.Fprintf(w, "wrap_access_token=%s&wrap_access_token_expires_in=600", s.RawToken())
}

var (
	keyPattern    = regexp.MustCompile(`^(\w+)\((\d+)L\)$`)
	filterPattern = regexp.MustCompile(`^(\w+) eq (?:'(.*)'|(\d+)L?)$`)
)

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	if r.Header.Get("Authorization") != `WRAP access_token="`+s.Token+`"` {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "ACS50000: Access token is missing or invalid.")
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, servicePath)
	s.mu.Lock()
	status, failing := s.failCalls[rel]
	s.mu.Unlock()
	if failing {
		writeError(w, status, "InjectedFailure", "ACS90000: Injected failure for "+rel+".")
		return
	}
	switch {
	case rel == "$batch" && r.Method == http.MethodPost:
		s.handleBatch(w, r)
	case r.Method == http.MethodGet:
		s.handleGet(w, r, rel)
	case r.Method == http.MethodDelete:
		code, msg := s.remove(rel)
		if code != http.StatusNoContent {
			writeError(w, code, "ResourceNotFound", msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "ACS90005: "+r.Method+" is not supported.")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := keyPattern.FindStringSubmatch(rel); m != nil {
		e := s.lookup(m[1], m[2])
		if e == nil {
			writeError(w, http.StatusNotFound, "ResourceNotFound", "ACS90010: "+rel+" does not exist.")
			return
		}
		w.Header().Set("Content-Type", "application/atom+xml;type=entry;charset=utf-8")
		var buf bytes.Buffer
		buf.WriteString(`<?xml version="1.0" encoding="utf-8" standalone="yes"?>`)
		s.writeEntry(&buf, e, true)
		_, _ = w.Write(buf.Bytes())
		return
	}
	var match func(*Entity) bool
	if filter := r.URL.Query().Get("$filter"); filter != "" {
		m := filterPattern.FindStringSubmatch(filter)
		if m == nil {
			writeError(w, http.StatusBadRequest, "BadFilter", "ACS90011: unsupported $filter "+filter+".")
			return
		}
		want := m[2]
		if m[3] != "" {
			want = m[3]
		}
		match = func(e *Entity) bool { return e.Properties[m[1]] == want }
	}
	w.Header().Set("Content-Type", "application/atom+xml;type=feed;charset=utf-8")
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8" standalone="yes"?>`)
	fmt.Fprintf(&buf, `<feed xmlns="%s" xmlns:d="%s" xmlns:m="%s"><title type="text">%s</title><id>%s</id>`,
		atom.NamespaceAtom, atom.NamespaceData, atom.NamespaceMetadata, html.EscapeString(rel), html.EscapeString(s.ServiceURL()+rel))
	for _, e := range s.entities[rel] {
		if match != nil && !match(e) {
			continue
		}
		s.writeEntry(&buf, e, false)
	}
	buf.WriteString(`</feed>`)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) lookup(set, id string) *Entity {
	for _, e := range s.entities[set] {
		if strconv.FormatInt(e.ID, 10) == id {
			return e
		}
	}
	return nil
}

func (s *Server) remove(rel string) (int, string) {
	m := keyPattern.FindStringSubmatch(rel)
	if m == nil {
		return http.StatusBadRequest, "ACS90012: " + rel + " is not an entity key."
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entities[m[1]]
	for i, e := range list {
		if strconv.FormatInt(e.ID, 10) == m[2] {
			s.entities[m[1]] = append(list[:i:i], list[i+1:]...)
			return http.StatusNoContent, ""
		}
	}
	return http.StatusNotFound, "ACS90010: " + rel + " does not exist."
}

func (s *Server) writeEntry(buf *bytes.Buffer, e *Entity, standalone bool) {
	if standalone {
		fmt.Fprintf(buf, `<entry xmlns="%s" xmlns:d="%s" xmlns:m="%s">`, atom.NamespaceAtom, atom.NamespaceData, atom.NamespaceMetadata)
	} else {
		buf.WriteString(`<entry>`)
	}
	key := fmt.Sprintf("%s(%dL)", e.Set, e.ID)
	fmt.Fprintf(buf, `<id>%s</id><title type="text"></title><updated>2011-01-01T00:00:00Z</updated><author><name /></author>`, html.EscapeString(s.ServiceURL()+key))
	fmt.Fprintf(buf, `<link rel="edit" title="%s" href="%s" />`, e.Set, key)
	buf.WriteString(`<content type="application/xml"><m:properties>`)
	names := make([]string, 0, len(e.Properties))
	for name := range e.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "Id" {
			fmt.Fprintf(buf, `<d:Id m:type="Edm.Int64">%s</d:Id>`, e.Properties[name])
			continue
		}
		fmt.Fprintf(buf, `<d:%s>%s</d:%s>`, name, html.EscapeString(e.Properties[name]), name)
	}
	buf.WriteString(`</m:properties></content></entry>`)
}

type partResult struct {
	contentID string
	status    int
	location  string
	body      []byte
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		writeError(w, http.StatusBadRequest, "BadBatch", "ACS90020: batch content type must be multipart/mixed.")
		return
	}
	var results []partResult
	if err := s.walkBatch(multipart.NewReader(r.Body, params["boundary"]), &results); err != nil {
		writeError(w, http.StatusBadRequest, "BadBatch", "ACS90021: "+err.Error())
		return
	}
	var body bytes.Buffer
	outer := multipart.NewWriter(&body)
	_ = outer.SetBoundary("batchresponse_" + strconv.FormatInt(s.nextIDSnapshot(), 10))
	var inner bytes.Buffer
	cs := multipart.NewWriter(&inner)
	_ = cs.SetBoundary("changesetresponse_" + strconv.FormatInt(s.nextIDSnapshot(), 10))
	for _, res := range results {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-Transfer-Encoding", "binary")
		pw, _ := cs.CreatePart(h)
		fmt.Fprintf(pw, "HTTP/1.1 %d %s\r\nContent-ID: %s\r\n", res.status, http.StatusText(res.status), res.contentID)
		if res.location != "" {
			fmt.Fprintf(pw, "Location: %s\r\n", res.location)
		}
		if len(res.body) > 0 {
			fmt.Fprintf(pw, "Content-Type: application/atom+xml;type=entry\r\nContent-Length: %d\r\n", len(res.body))
		} else {
			fmt.Fprintf(pw, "Content-Length: 0\r\n")
		}
		fmt.Fprintf(pw, "\r\n")
		_, _ = pw.Write(res.body)
	}
	_ = cs.Close()
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "multipart/mixed; boundary="+cs.Boundary())
	pw, _ := outer.CreatePart(h)
	_, _ = pw.Write(inner.Bytes())
	_ = outer.Close()
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+outer.Boundary())
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(body.Bytes())
}

func (s *Server) nextIDSnapshot() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *Server) walkBatch(r *multipart.Reader, results *[]partResult) error {
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			return err
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			if err := s.walkBatch(multipart.NewReader(part, params["boundary"]), results); err != nil {
				return err
			}
			continue
		}
		req, err := http.ReadRequest(bufio.NewReader(part))
		if err != nil {
			return err
		}
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		*results = append(*results, s.apply(req, data))
	}
}

func (s *Server) apply(req *http.Request, body []byte) partResult {
	res := partResult{contentID: req.Header.Get("Content-ID")}
	rel := strings.TrimPrefix(req.URL.Path, servicePath)
	switch req.Method {
	case http.MethodDelete:
		code, msg := s.remove(rel)
		res.status = code
		if code != http.StatusNoContent {
			res.body = errorBody("ResourceNotFound", msg)
		}
	case http.MethodPost:
		s.mu.Lock()
		status, failing := s.failSets[rel]
		s.mu.Unlock()
		if failing {
			res.status = status
			res.body = errorBody("InjectedFailure", "ACS90000: Injected failure for "+rel+".")
			return res
		}
		doc, err := atom.Parse(body)
		if err != nil {
			res.status = http.StatusBadRequest
			res.body = errorBody("BadEntry", "ACS90022: "+err.Error())
			return res
		}
		var props map[string]string
		_ = atom.ParseAtomPub(doc, func(_ int, e atom.Entry) bool {
			props = e.Properties
			return false
		})
		s.mu.Lock()
		e := s.add(rel, props)
		var buf bytes.Buffer
		s.writeEntry(&buf, e, true)
		bare := s.bareSets[rel]
		s.mu.Unlock()
		res.status = http.StatusCreated
		res.location = fmt.Sprintf("%s%s(%dL)", s.ServiceURL(), rel, e.ID)
		if !bare {
			res.body = buf.Bytes()
		}
	default:
		res.status = http.StatusMethodNotAllowed
		res.body = errorBody("MethodNotAllowed", "ACS90005: "+req.Method+" is not supported.")
	}
	return res
}

func errorBody(code, message string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" standalone="yes"?><error xmlns="%s"><code>%s</code><message xml:lang="en-US">%s</message></error>`,
		atom.NamespaceMetadata, html.EscapeString(code), html.EscapeString(message)))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(code, message))
}
