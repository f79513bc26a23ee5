package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the request header the management service echoes back for
// request tracing.
const Header = "x-ms-client-request-id"

// MaxIDLength caps accepted request identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id. Invalid ids leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the request id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx with a request id attached, generating one when absent,
// together with the id in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh time-ordered request id.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
