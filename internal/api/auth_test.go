package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateToken(t *testing.T) {
	t.Parallel()

	if got := ValidateToken("provided", "provided"); !got {
		t.Fatalf("expected true for matching tokens")
	}
	if got := ValidateToken("provided", "other"); got {
		t.Fatalf("expected false for mismatched tokens")
	}
	if got := ValidateToken("short", "much-longer"); got {
		t.Fatalf("expected false for different lengths")
	}
	if got := ValidateToken("", "configured"); got {
		t.Fatalf("expected false for empty provided token")
	}
	if got := ValidateToken("provided", ""); got {
		t.Fatalf("expected false for empty configured token")
	}
}

func TestExtractToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	key, err := ExtractToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if key != "test-key" {
		t.Fatalf("expected key %q, got %q", "test-key", key)
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	if _, err := ExtractToken(req2); err == nil {
		t.Fatalf("expected error for missing header")
	}

	req3 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req3.Header.Set("Authorization", "Basic abc")
	if _, err := ExtractToken(req3); err == nil {
		t.Fatalf("expected error for non-bearer header")
	}

	req4 := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req4.Header.Set("Authorization", "Bearer   ")
	if _, err := ExtractToken(req4); err == nil {
		t.Fatalf("expected error for empty bearer token")
	}
}
