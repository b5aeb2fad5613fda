package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if notificationsTotal == nil || httpRequestsTotal == nil ||
		httpRequestDurationSeconds == nil || jobsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveNotification("https://init.example/page", "ok")
	if val := testutil.ToFloat64(notificationsTotal.WithLabelValues("init.example", "ok")); val != 1 {
		t.Errorf("Expected notificationsTotal to be 1, got %f", val)
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(creditsRefundedTotal)
	ObserveRefund(2)
	if got := testutil.ToFloat64(creditsRefundedTotal) - before; got != 2 {
		t.Errorf("Expected refunds to grow by 2, got %f", got)
	}

	before = testutil.ToFloat64(jobsTotal.WithLabelValues("submitted"))
	ObserveJob("submitted")
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("submitted")) - before; got != 1 {
		t.Errorf("Expected submitted jobs to grow by 1, got %f", got)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != 0 {
		t.Errorf("Expected active workers to be 0, got %f", got)
	}

	ObserveRateLimitDelay(50 * time.Millisecond)
	if val := testutil.CollectAndCount(rateLimitDelaysSeconds); val != 1 {
		t.Errorf("Expected one rate limit histogram, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
