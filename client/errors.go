package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the client.
type ErrorKind int

// Error kinds.
const (
	// KindTokenAcquisition covers a rejected or unusable token request.
	KindTokenAcquisition ErrorKind = iota + 1
	// KindNetwork covers transport failures: DNS, dial, TLS, reset, timeout.
	KindNetwork
	// KindHTTPStatus is a non-2xx response without a service error envelope.
	KindHTTPStatus
	// KindXMLParse is a response body that is not well-formed XML.
	KindXMLParse
	// KindService is a well-formed error envelope from the service.
	KindService
	// KindBatchPart is a failed operation inside a batch response.
	KindBatchPart
)

func (k ErrorKind) String() string {
	switch k {
	case KindTokenAcquisition:
		return "token_acquisition"
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	case KindXMLParse:
		return "xml_parse"
	case KindService:
		return "service"
	case KindBatchPart:
		return "batch_part"
	default:
		return "unknown"
	}
}

// Error is returned by every client operation that fails.
type Error struct {
	Kind ErrorKind
	// Op is the client operation, e.g. "get" or "send_batch".
	Op string
	// Entity is the entity path or URL involved, when known.
	Entity string
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	// Code and Message come from the service error envelope when present.
	Code    string
	Message string
	// ContentID identifies the failed part of a batch.
	ContentID string
	// Body holds the raw response body for diagnostics.
	Body []byte
	Err  error
}

func (e *Error) Error() string {
	prefix := "acsconfig: " + e.Op
	if e.Entity != "" {
		prefix += " " + e.Entity
	}
	switch e.Kind {
	case KindBatchPart:
		if e.Message != "" {
			return fmt.Sprintf("%s: batch part %s failed with status %d: %s", prefix, e.ContentID, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("%s: batch part %s failed with status %d", prefix, e.ContentID, e.StatusCode)
	case KindService:
		if e.Code != "" {
			return fmt.Sprintf("%s: %s (%s)", prefix, e.Message, e.Code)
		}
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case KindHTTPStatus:
		return fmt.Sprintf("%s: status %d", prefix, e.StatusCode)
	case KindTokenAcquisition:
		if e.Err != nil {
			return fmt.Sprintf("%s: token request failed: %v", prefix, e.Err)
		}
		return fmt.Sprintf("%s: token request failed with status %d", prefix, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.StatusCode
	}
	return 0
}
