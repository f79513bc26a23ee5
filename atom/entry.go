package atom

import (
	"iter"
	"strings"

	"github.com/antchfx/xmlquery"
)

const entryXPath = "//*[local-name()='entry']"

// Entry is one parsed Atom entry.
type Entry struct {
	ID       string
	Title    string
	Updated  string
	EditLink string
	// Properties maps m:properties child local names to their text.
	// Properties flagged m:null="true" are omitted.
	Properties map[string]string
}

// Property returns the named property value.
func (e Entry) Property(name string) (string, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

// ParseAtomPub calls fn for each entry in doc, in document order, with a
// zero-based index. Returning false from fn stops the walk.
func ParseAtomPub(doc *xmlquery.Node, fn func(index int, e Entry) bool) error {
	seq, err := Select(entryXPath, doc)
	if err != nil {
		return err
	}
	index := 0
	for n := range seq {
		if !fn(index, parseEntry(n)) {
			return nil
		}
		index++
	}
	return nil
}

// Entries is the range-over-func form of ParseAtomPub.
func Entries(doc *xmlquery.Node) iter.Seq2[int, Entry] {
	return func(yield func(int, Entry) bool) {
		_ = ParseAtomPub(doc, yield)
	}
}

func parseEntry(n *xmlquery.Node) Entry {
	e := Entry{Properties: make(map[string]string)}
	e.ID, _ = ElementValue(n, "id")
	e.Title, _ = ElementValue(n, "title")
	e.Updated, _ = ElementValue(n, "updated")
	e.ID = strings.TrimSpace(e.ID)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode || c.Data != "link" {
			continue
		}
		if rel, _ := attrValue(c, "rel"); rel == "edit" {
			e.EditLink, _ = attrValue(c, "href")
			break
		}
	}
	props := childElement(childElement(n, "content"), "properties")
	if props == nil {
		// media link entries carry properties as a sibling of content
		props = childElement(n, "properties")
	}
	if props == nil {
		return e
	}
	for p := props.FirstChild; p != nil; p = p.NextSibling {
		if p.Type != xmlquery.ElementNode {
			continue
		}
		if null, _ := attrValue(p, "null"); null == "true" {
			continue
		}
		e.Properties[p.Data] = p.InnerText()
	}
	return e
}
