package buildinfo

import (
	"strings"
	"testing"
)

func TestVersionReturnsNonEmptyString(t *testing.T) {
	v := Version()
	if v == "" {
		t.Fatal("Version() returned empty string")
	}
}

func TestVersionHasDocumentedShape(t *testing.T) {
	// go test builds without VCS stamping in most CI environments, so this
	// accepts either of the two documented shapes: "dev" or a (possibly
	// -dirty) revision prefix of at most 12 hex digits.
	v := Version()
	if v == "dev" {
		return
	}
	rev := strings.TrimSuffix(v, "-dirty")
	if rev == "" || len(rev) > 12 || strings.Trim(rev, "0123456789abcdef") != "" {
		t.Fatalf("unexpected version shape: %q", v)
	}
}
