package batch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"pkt.systems/acsconfig/atom"
	"pkt.systems/acsconfig/internal/clock"
)

var (
	// ErrClosed is returned when appending to a finalized batch.
	ErrClosed = errors.New("batch: already finalized")
	// ErrInvalidField is returned for empty names or mistyped values.
	ErrInvalidField = errors.New("batch: invalid field")
)

// URLResolver turns an entity set name into an absolute URL.
type URLResolver interface {
	URLForEntity(entity string) string
}

// Option customises a Builder.
type Option func(*Builder)

// WithClock sets the clock used for entry <updated> stamps.
func WithClock(c clock.Clock) Option {
	return func(b *Builder) {
		b.clock = clock.Or(c)
	}
}

// Builder accumulates write operations into one OData $batch body holding a
// single changeset. A Builder is not safe for concurrent use.
type Builder struct {
	resolver  URLResolver
	clock     clock.Clock
	batch     string
	changeSet string

	buf       bytes.Buffer
	outer     *multipart.Writer
	inner     *multipart.Writer
	contentID int
	closed    bool
	data      []byte
}

// New starts a batch whose request URLs are resolved through r.
func New(r URLResolver, opts ...Option) *Builder {
	b := &Builder{
		resolver:  r,
		clock:     clock.Real{},
		batch:     uuid.NewString(),
		changeSet: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.outer = multipart.NewWriter(&b.buf)
	// uuid strings only contain boundary-safe characters
	_ = b.outer.SetBoundary("batch_" + b.batch)
	return b
}

// BatchIdentity returns the batch id (without the "batch_" prefix).
func (b *Builder) BatchIdentity() string { return b.batch }

// ChangesetIdentity returns the changeset id (without the "changeset_" prefix).
func (b *Builder) ChangesetIdentity() string { return b.changeSet }

// ContentType is the Content-Type header for the outer batch request.
func (b *Builder) ContentType() string {
	return "multipart/mixed; boundary=batch_" + b.batch
}

// Len returns the number of operations appended so far.
func (b *Builder) Len() int { return b.contentID }

// Closed reports whether Bytes has been called.
func (b *Builder) Closed() bool { return b.closed }

// Append adds an insert of one entity into the entity set named entity.
func (b *Builder) Append(entity string, fields ...Field) error {
	if b.closed {
		return ErrClosed
	}
	if strings.TrimSpace(entity) == "" {
		return fmt.Errorf("%w: empty entity set name", ErrInvalidField)
	}
	body, err := b.entryXML(fields)
	if err != nil {
		return err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "application/atom+xml;type=entry")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return b.writeRequest("POST", entity, header, body)
}

// AppendDelete adds a delete of the entity addressed by entity, for example
// "RelyingParties(10001L)".
func (b *Builder) AppendDelete(entity string) error {
	if b.closed {
		return ErrClosed
	}
	if strings.TrimSpace(entity) == "" {
		return fmt.Errorf("%w: empty entity name", ErrInvalidField)
	}
	return b.writeRequest("DELETE", entity, make(textproto.MIMEHeader), nil)
}

// Bytes closes the changeset and batch and returns the payload. Later calls
// return the same bytes.
func (b *Builder) Bytes() []byte {
	if b.closed {
		return b.data
	}
	if err := b.ensureChangeset(); err == nil {
		_ = b.inner.Close()
	}
	_ = b.outer.Close()
	b.closed = true
	b.data = bytes.Clone(b.buf.Bytes())
	return b.data
}

func (b *Builder) ensureChangeset() error {
	if b.inner != nil {
		return nil
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "multipart/mixed; boundary=changeset_"+b.changeSet)
	part, err := b.outer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("batch: open changeset: %w", err)
	}
	b.inner = multipart.NewWriter(part)
	return b.inner.SetBoundary("changeset_" + b.changeSet)
}

func (b *Builder) writeRequest(method, entity string, header textproto.MIMEHeader, body []byte) error {
	if err := b.ensureChangeset(); err != nil {
		return err
	}
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Type", "application/http")
	partHeader.Set("Content-Transfer-Encoding", "binary")
	part, err := b.inner.CreatePart(partHeader)
	if err != nil {
		return fmt.Errorf("batch: create part: %w", err)
	}
	b.contentID++
	header.Set("Content-ID", strconv.Itoa(b.contentID))
	var req bytes.Buffer
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", method, b.resolver.URLForEntity(entity))
	for _, key := range []string{"Content-ID", "Content-Type", "Content-Length"} {
		if v := header.Get(key); v != "" {
			fmt.Fprintf(&req, "%s: %s\r\n", key, v)
		}
	}
	req.WriteString("\r\n")
	req.Write(body)
	_, err = io.Copy(part, &req)
	return err
}

func (b *Builder) entryXML(fields []Field) ([]byte, error) {
	var props bytes.Buffer
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: empty property name", ErrInvalidField)
		}
		if !isNCName(f.Name) {
			return nil, fmt.Errorf("%w: %q is not a valid property name", ErrInvalidField, f.Name)
		}
		text, err := f.text()
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&props, "<d:%s m:type=\"%s\">%s</d:%s>", f.Name, f.Type, text, f.Name)
	}
	var out bytes.Buffer
	out.WriteString(`<?xml version="1.0" encoding="utf-8" standalone="yes"?>`)
	fmt.Fprintf(&out, `<entry xmlns:d="%s" xmlns:m="%s" xmlns="%s">`, atom.NamespaceData, atom.NamespaceMetadata, atom.NamespaceAtom)
	fmt.Fprintf(&out, `<title /><updated>%s</updated><author><name /></author><id />`, atom.ISO8601(b.clock.Now()))
	out.WriteString(`<content type="application/xml"><m:properties>`)
	out.Write(props.Bytes())
	out.WriteString(`</m:properties></content></entry>`)
	return out.Bytes(), nil
}

// isNCName reports whether name can be used unprefixed as an XML element name.
func isNCName(name string) bool {
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && (r == '-' || r == '.' || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)):
		default:
			return false
		}
	}
	return name != ""
}
