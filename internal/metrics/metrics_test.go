package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
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
		{"standard http", "http://example.ac.kr/path", "example.ac.kr"},
		{"standard https", "https://Example.ac.kr/path", "example.ac.kr"},
		{"no scheme", "example.ac.kr/path", "example.ac.kr"},
		{"host with port", "example.ac.kr:8080", "example.ac.kr"},
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

func TestObserve(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(processResultsTotal.WithLabelValues("success", ""))
	ObserveProcess("success", "", 4)
	if got := testutil.ToFloat64(processResultsTotal.WithLabelValues("success", "")); got != before+1 {
		t.Errorf("process results: got %f, want %f", got, before+1)
	}

	ObservePage("https://www.example.ac.kr/a", "ok")
	if got := testutil.ToFloat64(pagesFetchedTotal.WithLabelValues("www.example.ac.kr", "ok")); got < 1 {
		t.Errorf("pages fetched: got %f", got)
	}

	ObserveTask("crawl", "succeeded")
	ObserveHTTPRequest(http.MethodGet, "/health", 200, 10*time.Millisecond)
	IncActiveWorkers()
	DecActiveWorkers()
	SetQueueDepth(3)
	if got := testutil.ToFloat64(queueDepth); got != 3 {
		t.Errorf("queue depth: got %f", got)
	}
}

func TestHandler(t *testing.T) {
	ObserveTask("process_url", "failed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "retriever_tasks_total") {
		t.Errorf("metrics output missing retriever_tasks_total")
	}
}
