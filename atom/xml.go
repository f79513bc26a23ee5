package atom

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Namespaces used by AtomPub payloads.
const (
	NamespaceAtom     = "http://www.w3.org/2005/Atom"
	NamespaceData     = "http://schemas.microsoft.com/ado/2007/08/dataservices"
	NamespaceMetadata = "http://schemas.microsoft.com/ado/2007/08/dataservices/metadata"
)

// ISO8601Layout is the fixed UTC timestamp layout used on the wire.
const ISO8601Layout = "2006-01-02T15:04:05Z"

// ErrMalformed is wrapped by every document parse failure.
var ErrMalformed = errors.New("atom: malformed xml")

// Parse reads data into a document node.
func Parse(data []byte) (*xmlquery.Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	roots := 0
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			roots++
		}
	}
	switch {
	case roots == 0:
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	case roots > 1:
		return nil, fmt.Errorf("%w: more than one root element", ErrMalformed)
	}
	return doc, nil
}

// Select compiles expr and returns the nodes under node that match it as a
// lazy sequence. The sequence is single-use; breaking out of the range loop
// stops evaluation.
func Select(expr string, node *xmlquery.Node) (iter.Seq[*xmlquery.Node], error) {
	if node == nil {
		return nil, fmt.Errorf("atom: select %q: nil node", expr)
	}
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("atom: compile xpath %q: %w", expr, err)
	}
	it := compiled.Select(xmlquery.CreateXPathNavigator(node))
	used := false
	return func(yield func(*xmlquery.Node) bool) {
		if used {
			return
		}
		used = true
		for it.MoveNext() {
			nav, ok := it.Current().(*xmlquery.NodeNavigator)
			if !ok {
				continue
			}
			if !yield(nav.Current()) {
				return
			}
		}
	}, nil
}

// EvaluateXPath calls fn for every node matching expr until fn returns false.
func EvaluateXPath(expr string, node *xmlquery.Node, fn func(*xmlquery.Node) bool) error {
	seq, err := Select(expr, node)
	if err != nil {
		return err
	}
	for n := range seq {
		if !fn(n) {
			break
		}
	}
	return nil
}

// ElementValue returns the text of the first child element of parent whose
// local name is name.
func ElementValue(parent *xmlquery.Node, name string) (string, bool) {
	child := childElement(parent, name)
	if child == nil {
		return "", false
	}
	return child.InnerText(), true
}

// ServiceError is the error envelope returned by the management service.
type ServiceError struct {
	Code    string
	Message string
	// Detail holds innererror/message when present.
	Detail string
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unspecified error"
	}
	if e.Detail != "" && e.Detail != msg {
		msg += ": " + e.Detail
	}
	if e.Code != "" {
		return fmt.Sprintf("acs: %s (%s)", msg, e.Code)
	}
	return "acs: " + msg
}

// CheckForError returns the service error carried by doc, or nil when the
// document is not an error envelope.
func CheckForError(doc *xmlquery.Node) *ServiceError {
	r := root(doc)
	if r == nil || r.Data != "error" {
		return nil
	}
	svcErr := &ServiceError{}
	svcErr.Code, _ = ElementValue(r, "code")
	svcErr.Message, _ = ElementValue(r, "message")
	if inner := childElement(r, "innererror"); inner != nil {
		svcErr.Detail, _ = ElementValue(inner, "message")
	}
	svcErr.Code = strings.TrimSpace(svcErr.Code)
	svcErr.Message = strings.TrimSpace(svcErr.Message)
	svcErr.Detail = strings.TrimSpace(svcErr.Detail)
	return svcErr
}

// ISO8601 formats t in UTC as 2006-01-02T15:04:05Z.
func ISO8601(t time.Time) string {
	return t.UTC().Format(ISO8601Layout)
}

func root(doc *xmlquery.Node) *xmlquery.Node {
	if doc == nil {
		return nil
	}
	if doc.Type == xmlquery.ElementNode {
		return doc
	}
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func childElement(parent *xmlquery.Node, name string) *xmlquery.Node {
	if parent == nil {
		return nil
	}
	for n := parent.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode && n.Data == name {
			return n
		}
	}
	return nil
}

func attrValue(n *xmlquery.Node, local string) (string, bool) {
	for _, a := range n.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}
