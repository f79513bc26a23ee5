// Package setup provisions an ACS relying party for push notification
// services and produces the toolkit configuration that points at it.
//
// The flow runs as a workqueue of five steps: lookup, guard, provision,
// credentials and verify. Each step issues one asynchronous client call and
// hands control to the next step from that call's completion.
package setup

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"pkt.systems/pslog"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/batch"
	"pkt.systems/acsconfig/client"
	"pkt.systems/acsconfig/internal/clock"
	"pkt.systems/acsconfig/internal/svcfields"
	"pkt.systems/acsconfig/workqueue"
)

// Queue value keys.
const (
	KeyExistingID     = "relyingparty.existing-id"
	KeyRelyingPartyID = "relyingparty.id"
	KeyAddressID      = "address.id"
	KeySigningKeyID   = "key.id"
	KeyRealm          = "realm"
	KeySigningKey     = "signing-key"
	KeyReplaced       = "replaced"
)

const (
	setRelyingParties = "RelyingParties"
	setAddresses      = "RelyingPartyAddresses"
	setKeys           = "RelyingPartyKeys"
)

// Result summarises a completed provisioning run.
type Result struct {
	RunID          string
	RelyingPartyID int64
	AddressID      int64
	SigningKeyID   int64
	Realm          string
	SigningKey     string
	// Replaced is set when an existing relying party was deleted first.
	Replaced bool
}

// Option customises a provisioning run.
type Option func(*options)

type options struct {
	logger pslog.Logger
	clock  clock.Clock
}

// WithLogger sets the logger used by the flow and its queue.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the clock used for key validity dates.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = clock.Or(c) }
}

// Plan builds the provisioning queue for req. The caller attaches a client,
// status target and completion handler and starts it with ProcessLast.
// req must already be normalized.
func Plan(ctx context.Context, req Request, opts ...Option) *workqueue.Queue {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.WithSubsystem(o.logger, "setup")
	q := workqueue.New(workqueue.WithLogger(o.logger))
	q.Set(KeySigningKey, req.SigningKey)
	f := &flow{ctx: ctx, req: req, clock: o.clock, logger: logger.With("run", q.RunID())}
	q.Add("lookup", f.lookup)
	q.Add("guard", f.guard)
	q.Add("provision", f.provision)
	q.Add("credentials", f.credentials)
	q.Add("verify", f.verify)
	return q
}

// Run provisions req through cli and blocks until the flow completes.
// status, when non-nil, receives progress messages.
func Run(ctx context.Context, cli *client.Client, req Request, status func(string), opts ...Option) (Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return Result{}, err
	}
	q := Plan(ctx, req, opts...)
	q.SetClient(cli)
	q.SetStatusTarget(status)
	if err := q.Run(ctx); err != nil {
		return Result{RunID: q.RunID()}, err
	}
	return ResultFrom(q), nil
}

// ResultFrom harvests a Result from a completed queue.
func ResultFrom(q *workqueue.Queue) Result {
	res := Result{
		RunID:      q.RunID(),
		Realm:      q.String(KeyRealm),
		SigningKey: q.String(KeySigningKey),
	}
	res.RelyingPartyID, _ = int64Value(q, KeyRelyingPartyID)
	res.AddressID, _ = int64Value(q, KeyAddressID)
	res.SigningKeyID, _ = int64Value(q, KeySigningKeyID)
	if v, ok := q.Get(KeyReplaced); ok {
		res.Replaced, _ = v.(bool)
	}
	return res
}

func int64Value(q *workqueue.Queue, key string) (int64, bool) {
	v, ok := q.Get(key)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

type flow struct {
	ctx    context.Context
	req    Request
	clock  clock.Clock
	logger pslog.Logger
}

// NameFilter returns the entity path selecting the relying party called name.
func NameFilter(name string) string {
	return Filter(setRelyingParties, "Name eq '"+escapeLiteral(name)+"'")
}

// Filter returns the entity path of set restricted by an OData $filter
// expression, percent-encoded for the query string.
func Filter(set, expr string) string {
	return set + "?$filter=" + strings.ReplaceAll(url.QueryEscape(expr), "+", "%20")
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func entityKey(set string, id int64) string {
	return set + "(" + strconv.FormatInt(id, 10) + "L)"
}

func (f *flow) lookup(q *workqueue.Queue) {
	q.Status("Looking up relying party " + f.req.RelyingParty)
	var found int64
	var parseErr error
	q.Client().GetEntriesAsync(f.ctx, NameFilter(f.req.RelyingParty), func(e atom.Entry) bool {
		found, parseErr = entryID(e)
		return false
	}, func(err error) {
		if err == nil {
			err = parseErr
		}
		if err != nil {
			q.Fail(fmt.Errorf("setup: look up relying party: %w", err))
			return
		}
		if found != 0 {
			f.logger.Info("setup.lookup.found", "relying_party", f.req.RelyingParty, "id", found)
			q.Set(KeyExistingID, found)
		}
		q.Next()
	})
}

func (f *flow) guard(q *workqueue.Queue) {
	existing, ok := int64Value(q, KeyExistingID)
	if ok && !f.req.Replace {
		q.Fail(fmt.Errorf("%w: %s (id %d)", ErrRelyingPartyExists, f.req.RelyingParty, existing))
		return
	}
	q.Set(KeyReplaced, ok)
	q.Next()
}

func (f *flow) provision(q *workqueue.Queue) {
	cli := q.Client()
	b := cli.CreateMimeBody()
	if existing, ok := int64Value(q, KeyExistingID); ok {
		q.Status("Replacing relying party " + f.req.RelyingParty)
		if err := b.AppendDelete(entityKey(setRelyingParties, existing)); err != nil {
			q.Fail(err)
			return
		}
	} else {
		q.Status("Creating relying party " + f.req.RelyingParty)
	}
	err := b.Append(setRelyingParties,
		batch.String("Name", f.req.RelyingParty),
		batch.String("DisplayName", f.req.DisplayName),
		batch.String("TokenType", "SWT"),
		batch.Int32("TokenLifetime", int32(f.req.TokenLifetime.Seconds())),
		batch.Bool("AsymmetricTokenEncryptionRequired", false),
	)
	if err != nil {
		q.Fail(err)
		return
	}
	created := strconv.Itoa(b.Len())
	var id int64
	var idErr error
	cli.SendBatchAsync(f.ctx, b, func(r client.BatchResponse) {
		if r.ContentID == created {
			id, idErr = documentID(r.Document)
		}
	}, func(err error) {
		if err == nil {
			err = idErr
		}
		if err == nil && id == 0 {
			err = fmt.Errorf("response for part %s carried no id", created)
		}
		if err != nil {
			q.Fail(fmt.Errorf("setup: create relying party: %w", err))
			return
		}
		f.logger.Info("setup.provision.created", "relying_party", f.req.RelyingParty, "id", id)
		q.Set(KeyRelyingPartyID, id)
		q.Next()
	})
}

func (f *flow) credentials(q *workqueue.Queue) {
	q.Status("Registering realm and signing key")
	cli := q.Client()
	rpID, _ := int64Value(q, KeyRelyingPartyID)
	key, err := base64.StdEncoding.DecodeString(f.req.SigningKey)
	if err != nil {
		q.Fail(fmt.Errorf("setup: decode signing key: %w", err))
		return
	}
	start := f.clock.Now().UTC()
	b := cli.CreateMimeBody()
	if err := b.Append(setAddresses,
		batch.Int64("RelyingPartyId", rpID),
		batch.String("Address", f.req.Realm),
		batch.String("EndpointType", "Realm"),
	); err != nil {
		q.Fail(err)
		return
	}
	addressPart := strconv.Itoa(b.Len())
	if err := b.Append(setKeys,
		batch.Int64("RelyingPartyId", rpID),
		batch.String("Type", "Symmetric"),
		batch.String("Usage", "Signing"),
		batch.Binary("Value", key),
		batch.Bool("IsPrimary", true),
		batch.DateTime("StartDate", start),
		batch.DateTime("EndDate", start.Add(f.req.KeyLifetime)),
	); err != nil {
		q.Fail(err)
		return
	}
	keyPart := strconv.Itoa(b.Len())
	ids := make(map[string]int64, 2)
	var idErr error
	cli.SendBatchAsync(f.ctx, b, func(r client.BatchResponse) {
		id, err := documentID(r.Document)
		if err != nil && idErr == nil {
			idErr = err
		}
		ids[r.ContentID] = id
	}, func(err error) {
		if err == nil {
			err = idErr
		}
		if err != nil {
			q.Fail(fmt.Errorf("setup: register credentials: %w", err))
			return
		}
		for _, part := range []string{addressPart, keyPart} {
			if ids[part] == 0 {
				q.Fail(fmt.Errorf("setup: register credentials: response for part %s carried no id", part))
				return
			}
		}
		q.Set(KeyAddressID, ids[addressPart])
		q.Set(KeySigningKeyID, ids[keyPart])
		q.Next()
	})
}

func (f *flow) verify(q *workqueue.Queue) {
	q.Status("Verifying relying party")
	cli := q.Client()
	rpID, _ := int64Value(q, KeyRelyingPartyID)
	cli.GetXMLAsync(f.ctx, entityKey(setRelyingParties, rpID), func(doc *xmlquery.Node, err error) {
		if err == nil {
			var name string
			for _, e := range atom.Entries(doc) {
				name = e.Properties["Name"]
				break
			}
			if name != f.req.RelyingParty {
				err = fmt.Errorf("relying party %d is named %q", rpID, name)
			}
		}
		if err != nil {
			q.Fail(fmt.Errorf("setup: verify relying party: %w", err))
			return
		}
		filter := Filter(setAddresses, "RelyingPartyId eq "+strconv.FormatInt(rpID, 10)+"L")
		var realm string
		cli.GetEntriesAsync(f.ctx, filter, func(e atom.Entry) bool {
			if e.Properties["EndpointType"] == "Realm" {
				realm = e.Properties["Address"]
				return false
			}
			return true
		}, func(err error) {
			if err == nil && realm == "" {
				err = fmt.Errorf("relying party %d has no realm address", rpID)
			}
			if err != nil {
				q.Fail(fmt.Errorf("setup: verify realm: %w", err))
				return
			}
			q.Set(KeyRealm, realm)
			f.logger.Info("setup.verify.success", "relying_party", f.req.RelyingParty, "id", rpID, "realm", realm)
			q.Next()
		})
	})
}

func entryID(e atom.Entry) (int64, error) {
	raw, ok := e.Property("Id")
	if !ok {
		return 0, fmt.Errorf("entry %q has no Id property", e.ID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry %q: invalid Id %q", e.ID, raw)
	}
	return id, nil
}

func documentID(doc *xmlquery.Node) (int64, error) {
	if doc == nil {
		return 0, nil
	}
	for _, e := range atom.Entries(doc) {
		return entryID(e)
	}
	return 0, fmt.Errorf("response document holds no entry")
}
