package platform

import (
	"fmt"
	"strings"
	"testing"
)

func TestNormalizeRTMPURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ingest.example.com/live", "rtmp://ingest.example.com/live"},
		{"rtmp://ingest.example.com/live/", "rtmp://ingest.example.com/live"},
		{"rtmps://already.example.com/app", "rtmps://already.example.com/app"},
		{"edge.example.com:443/app", "rtmps://edge.example.com:443/app"},
		{"live-api-s.facebook.com/rtmp", "rtmps://live-api-s.facebook.com/rtmp"},
		{"  ingest.example.com/app///  ", "rtmp://ingest.example.com/app"},
	}

	for _, tc := range cases {
		if got := NormalizeRTMPURL(tc.in); got != tc.want {
			t.Errorf("NormalizeRTMPURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildIngestURL(t *testing.T) {
	r := NewRegistry()
	got := r.BuildIngestURL("twitch", "rtmp://ingest.example.com/app", "abc123")
	want := "rtmp://ingest.example.com/app/abc123"
	if got != want {
		t.Fatalf("BuildIngestURL = %q, want %q", got, want)
	}
}

func TestRedactNeverLeaksKey(t *testing.T) {
	r := NewRegistry()
	keys := []string{"abc123", "live_SeCrEt-99", "sk-with-dashes-and-123", "Q"}
	bases := []string{
		"rtmp://ingest.example.com/app",
		"rtmps://edge.example.com:443/live",
		"rtmp://ingest.example.com/app?extra=1",
	}

	for _, base := range bases {
		for _, key := range keys {
			// The key is the last path segment; any query string stays after it.
			path, query, hasQuery := strings.Cut(base, "?")
			url := fmt.Sprintf("%s/%s", path, key)
			if hasQuery {
				url += "?" + query
			}
			redacted := r.Redact("twitch", url)
			if strings.Contains(redacted, key) {
				t.Fatalf("redact(%q) = %q still contains key %q", url, redacted, key)
			}
			if !strings.Contains(redacted, RedactionToken) {
				t.Fatalf("redact(%q) = %q missing redaction token", url, redacted)
			}
		}
	}
}

func TestGenericRedactQueryParam(t *testing.T) {
	url := "rtmp://ingest.example.com/app?key=supersecret&other=1"
	got := GenericRedact(url)
	if strings.Contains(got, "supersecret") {
		t.Fatalf("expected query key redacted, got %q", got)
	}
	if !strings.Contains(got, "other=1") {
		t.Fatalf("expected unrelated query param preserved, got %q", got)
	}
}

func TestGenericRedactNoPath(t *testing.T) {
	got := GenericRedact("rtmp://ingest.example.com")
	if !strings.Contains(got, RedactionToken) {
		t.Fatalf("expected redaction token even with no path, got %q", got)
	}
}
