package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowctl/throttlegate/internal/limiter"
	"github.com/flowctl/throttlegate/internal/monitoring"
	"github.com/flowctl/throttlegate/internal/priority"
)

type fakeThrottler struct {
	bytesPerSecond uint64
}

func (f *fakeThrottler) Request(p priority.Priority, amount uint64) uint64 { return amount }
func (f *fakeThrottler) AsyncRequest(p priority.Priority, amount uint64) <-chan uint64 {
	ch := make(chan uint64, 1)
	ch <- amount
	return ch
}
func (f *fakeThrottler) SetBytesPerSecond(rate uint64) { f.bytesPerSecond = rate }

func newTestServer(t *testing.T) (*Server, *fakeThrottler) {
	t.Helper()
	th := &fakeThrottler{}
	l := limiter.New(th, limiter.WithStatistics())
	m := monitoring.New(monitoring.Config{Namespace: "httpapi_test_" + t.Name()})
	return New(l, m, 1000, 1000), th
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzAndLivezEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	for _, path := range []string{"/readyz", "/livez"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestStatsEndpointReturnsAdmittedBytes(t *testing.T) {
	s, _ := newTestServer(t)
	s.limiter.Request(priority.Compaction, priority.Write, 42)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Admitted) != priority.NumIOTypes()*priority.NumIOOps() {
		t.Fatalf("got %d admitted snapshots, want one per (type, op): %+v", len(body.Admitted), body.Admitted)
	}
	for _, snap := range body.Admitted {
		want := uint64(0)
		if snap.Type == priority.Compaction && snap.Op == priority.Write {
			want = 42
		}
		if snap.Bytes != want {
			t.Errorf("unexpected admitted snapshot: %+v", snap)
		}
	}
}

func TestPutConfigUpdatesBytesPerSecondAndPriority(t *testing.T) {
	s, th := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	bps := uint64(5000)
	reqBody, _ := json.Marshal(configUpdateRequest{
		BytesPerSecond: &bps,
		PriorityMap:    map[string]string{"compaction": "low"},
	})

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/v1/config", bytes.NewReader(reqBody))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /v1/config: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if th.bytesPerSecond != 5000 {
		t.Errorf("bytesPerSecond = %d, want 5000", th.bytesPerSecond)
	}
	if got := s.limiter.PriorityFor(priority.Compaction); got != priority.Low {
		t.Errorf("PriorityFor(Compaction) = %v, want Low", got)
	}
}

func TestPutConfigRejectsUnknownIOType(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	reqBody, _ := json.Marshal(configUpdateRequest{
		PriorityMap: map[string]string{"not_a_real_type": "high"},
	})
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/v1/config", bytes.NewReader(reqBody))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /v1/config: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminAPISelfRateLimit(t *testing.T) {
	th := &fakeThrottler{}
	l := limiter.New(th)
	m := monitoring.New(monitoring.Config{Namespace: "httpapi_test_ratelimit"})
	s := New(l, m, 1, 1) // 1 rps, burst 1: second immediate request should be rejected

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	http.Get(server.URL + "/healthz")
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 on second immediate request", resp.StatusCode)
	}
}
