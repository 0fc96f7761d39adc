package httpapi

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// fakeObserver is a RequestObserver recording every observation, guarded
// by a mutex since requests may be served concurrently.
type fakeObserver struct {
	mu           sync.Mutex
	observations []observation
}

type observation struct {
	endpoint, method, status string
}

func (o *fakeObserver) ObserveRequestDuration(endpoint, method, status string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observations = append(o.observations, observation{endpoint, method, status})
}

func TestRequestObserverRecordsEndpointTemplate(t *testing.T) {
	t.Parallel()

	mgr := manager.New(manager.Config{
		LeaderEndpoint: "https://leader.internal/",
		HelperEndpoint: "https://helper.internal/",
		MainLocations: dap.MainLocations{
			Leader: "https://leader.example/",
			Helper: "https://helper.example/",
		},
	}, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	observer := &fakeObserver{}
	srv := httptest.NewServer(New(mgr, nil, WithRequestObserver(observer)).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/get_main_locations")
	if err != nil {
		t.Fatalf("GET /get_main_locations: %v", err)
	}
	resp.Body.Close()

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(observer.observations))
	}
	got := observer.observations[0]
	if got.endpoint != "/get_main_locations" || got.method != http.MethodGet || got.status != "200" {
		t.Errorf("observation = %+v, want {/get_main_locations GET 200}", got)
	}
}

func TestRequestIDHeaderSetOnEveryResponse(t *testing.T) {
	t.Parallel()

	mgr := manager.New(manager.Config{
		LeaderEndpoint: "https://leader.internal/",
		HelperEndpoint: "https://helper.internal/",
		MainLocations: dap.MainLocations{
			Leader: "https://leader.example/",
			Helper: "https://helper.example/",
		},
	}, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	srv := httptest.NewServer(New(mgr, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-Id"); got == "" {
		t.Error("X-Request-Id header missing from response")
	}
}

func TestNoObserverConfiguredIsHarmless(t *testing.T) {
	t.Parallel()

	mgr := manager.New(manager.Config{
		LeaderEndpoint: "https://leader.internal/",
		HelperEndpoint: "https://helper.internal/",
		MainLocations: dap.MainLocations{
			Leader: "https://leader.example/",
			Helper: "https://helper.example/",
		},
	}, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	srv := httptest.NewServer(New(mgr, nil).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
}
