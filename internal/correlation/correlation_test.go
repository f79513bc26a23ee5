package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  req-1  "); !ok || got != "req-1" {
		t.Fatalf("expected trimmed id, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01id"); ok {
		t.Fatal("non-printable id should be invalid")
	}
}

func TestWithAndEnsure(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected no id on empty context")
	}
	ctx = With(ctx, "")
	if ID(ctx) != "" {
		t.Fatal("invalid id should be ignored")
	}
	ctx = With(ctx, "fixed")
	ctx2, id := Ensure(ctx)
	if id != "fixed" || ID(ctx2) != "fixed" {
		t.Fatalf("ensure replaced existing id: %q", id)
	}
	ctx3, generated := Ensure(context.Background())
	if generated == "" || ID(ctx3) != generated {
		t.Fatalf("ensure did not attach generated id: %q", generated)
	}
	if _, ok := Normalize(generated); !ok {
		t.Fatalf("generated id should be valid: %q", generated)
	}
}
