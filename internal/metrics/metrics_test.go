package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.FlowStarted("deposit")
	m.FlowFinished("deposit", "settled")
	m.ObserveRequest("generate_proof", time.Second, errors.New("boom"))
	m.RegisterFailed()
	m.SyncResult(true, nil)
	m.RootPolled(time.Now(), true)
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FlowStarted("withdraw")
	m.FlowStarted("withdraw")
	m.FlowFinished("withdraw", "pending")
	m.ObserveRequest("register_commitment", 10*time.Millisecond, errors.New("503"))
	m.RegisterFailed()
	m.SyncResult(false, nil)
	m.SyncResult(true, nil)
	m.SyncResult(false, errors.New("down"))
	m.RootPolled(time.Unix(1_700_000_000, 0), true)

	if got := testutil.ToFloat64(m.flowsStarted.WithLabelValues("withdraw")); got != 2 {
		t.Fatalf("flows started: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.flowOutcomes.WithLabelValues("withdraw", "pending")); got != 1 {
		t.Fatalf("flow outcomes: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.serviceErrors.WithLabelValues("register_commitment")); got != 1 {
		t.Fatalf("service errors: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.registerFails); got != 1 {
		t.Fatalf("register failures: got %v want 1", got)
	}
	for result, want := range map[string]float64{"found": 1, "not_found": 1, "error": 1} {
		if got := testutil.ToFloat64(m.syncResults.WithLabelValues(result)); got != want {
			t.Fatalf("sync %s: got %v want %v", result, got, want)
		}
	}
	if got := testutil.ToFloat64(m.rootLastPoll); got != 1_700_000_000 {
		t.Fatalf("root last poll: got %v", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	if _, err := Handler(nil); !errors.Is(err, ErrNilRegistry) {
		t.Fatalf("expected ErrNilRegistry, got %v", err)
	}

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RegisterFailed()

	h, err := Handler(reg)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shield_commitment_register_failures_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
