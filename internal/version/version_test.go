package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2010-01-01T00:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	if got := pseudoVersion(settings); got != "v0.0.0-20100101000000-0123456789ab+dirty" {
		t.Fatalf("unexpected pseudo version %q", got)
	}
	if got := pseudoVersion(settings[:1]); got != "" {
		t.Fatalf("expected empty pseudo version without vcs.time, got %q", got)
	}
}

func TestCurrentNeverEmpty(t *testing.T) {
	if Current() == "" {
		t.Fatal("expected a version string")
	}
	if Module() == "" {
		t.Fatal("expected a module path")
	}
}
