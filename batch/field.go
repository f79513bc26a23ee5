package batch

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pkt.systems/acsconfig/atom"
)

// EdmType is the Entity Data Model type of a property.
type EdmType int

// Supported Edm types.
const (
	EdmInt32 EdmType = iota
	EdmInt64
	EdmBoolean
	EdmBinary
	EdmDateTime
	EdmString
)

// String returns the m:type attribute value, e.g. "Edm.Boolean".
func (t EdmType) String() string {
	switch t {
	case EdmInt32:
		return "Edm.Int32"
	case EdmInt64:
		return "Edm.Int64"
	case EdmBoolean:
		return "Edm.Boolean"
	case EdmBinary:
		return "Edm.Binary"
	case EdmDateTime:
		return "Edm.DateTime"
	case EdmString:
		return "Edm.String"
	default:
		return fmt.Sprintf("Edm(%d)", int(t))
	}
}

// Field is one typed property of an entity.
type Field struct {
	Name  string
	Type  EdmType
	Value any
}

// Int32 returns an Edm.Int32 field.
func Int32(name string, v int32) Field { return Field{Name: name, Type: EdmInt32, Value: v} }

// Int64 returns an Edm.Int64 field.
func Int64(name string, v int64) Field { return Field{Name: name, Type: EdmInt64, Value: v} }

// Bool returns an Edm.Boolean field.
func Bool(name string, v bool) Field { return Field{Name: name, Type: EdmBoolean, Value: v} }

// Binary returns an Edm.Binary field, serialized as base64.
func Binary(name string, v []byte) Field { return Field{Name: name, Type: EdmBinary, Value: v} }

// DateTime returns an Edm.DateTime field, serialized in UTC ISO-8601.
func DateTime(name string, v time.Time) Field {
	return Field{Name: name, Type: EdmDateTime, Value: v}
}

// String returns an Edm.String field.
func String(name, v string) Field { return Field{Name: name, Type: EdmString, Value: v} }

// text renders the field value in its wire form, XML-escaped.
func (f Field) text() (string, error) {
	switch f.Type {
	case EdmInt32:
		if v, ok := f.Value.(int32); ok {
			return strconv.FormatInt(int64(v), 10), nil
		}
	case EdmInt64:
		if v, ok := f.Value.(int64); ok {
			return strconv.FormatInt(v, 10), nil
		}
	case EdmBoolean:
		if v, ok := f.Value.(bool); ok {
			return strconv.FormatBool(v), nil
		}
	case EdmBinary:
		if v, ok := f.Value.([]byte); ok {
			return base64.StdEncoding.EncodeToString(v), nil
		}
	case EdmDateTime:
		if v, ok := f.Value.(time.Time); ok {
			return atom.ISO8601(v), nil
		}
	case EdmString:
		if v, ok := f.Value.(string); ok {
			return escapeText(f.Name, v)
		}
	default:
		return "", fmt.Errorf("%w: %s has unknown type %s", ErrInvalidField, f.Name, f.Type)
	}
	return "", fmt.Errorf("%w: %s: %T is not a valid %s value", ErrInvalidField, f.Name, f.Value, f.Type)
}

// escapeText XML-escapes v, rejecting characters outside the XML Char range.
func escapeText(name, v string) (string, error) {
	for i, r := range v {
		if r == utf8.RuneError && !strings.HasPrefix(v[i:], "\uFFFD") {
			return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidField, name)
		}
		if !isXMLChar(r) {
			return "", fmt.Errorf("%w: %s contains character %U not allowed in XML", ErrInvalidField, name, r)
		}
	}
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(v)); err != nil {
		return "", err
	}
	return b.String(), nil
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}
