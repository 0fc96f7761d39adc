package manager

import (
	"context"
	"testing"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// fakeMetrics is a MetricsReporter recording call counts per role, for
// asserting that Manager wires lifecycle events to WithMetrics without
// depending on the real Prometheus-backed implementation.
type fakeMetrics struct {
	registered   map[string]int
	unregistered map[string]int
	provisioned  map[string]int
	aborted      map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		registered:   make(map[string]int),
		unregistered: make(map[string]int),
		provisioned:  make(map[string]int),
		aborted:      make(map[string]int),
	}
}

func (f *fakeMetrics) RegisterSession(role string)     { f.registered[role]++ }
func (f *fakeMetrics) UnregisterSession(role string)   { f.unregistered[role]++ }
func (f *fakeMetrics) IncTasksProvisioned(role string) { f.provisioned[role]++ }
func (f *fakeMetrics) IncTasksAborted(role string)     { f.aborted[role]++ }

func TestMetricsWiredThroughSessionLifecycle(t *testing.T) {
	t.Parallel()

	metrics := newFakeMetrics()
	mgr := New(testConfig(), NewInMemoryTaskStore(), NewHpkeConfigRegistry(hpke.ServerSuite), nil, WithMetrics(metrics))
	ctx := context.Background()

	sessionID, err := mgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{
		Role:          dap.RoleLeader,
		VdafParameter: testVdafParameter(t),
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if got := metrics.registered[dap.RoleLeader.String()]; got != 1 {
		t.Errorf("registered[leader] = %d, want 1", got)
	}

	taskID := dap.TaskId{1}
	if err := mgr.StartRound(ctx, sessionID, taskID); err != nil {
		t.Fatalf("StartRound() error: %v", err)
	}
	if got := metrics.provisioned[dap.RoleLeader.String()]; got != 1 {
		t.Errorf("provisioned[leader] = %d, want 1", got)
	}

	if err := mgr.AbortRound(ctx, sessionID, taskID); err != nil {
		t.Fatalf("AbortRound() error: %v", err)
	}
	if got := metrics.aborted[dap.RoleLeader.String()]; got != 1 {
		t.Errorf("aborted[leader] = %d, want 1", got)
	}

	if err := mgr.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if got := metrics.unregistered[dap.RoleLeader.String()]; got != 1 {
		t.Errorf("unregistered[leader] = %d, want 1", got)
	}
}

func TestMetricsDefaultsToNoop(t *testing.T) {
	t.Parallel()

	// No WithMetrics option: the Manager must still function, using the
	// noop reporter.
	mgr := New(testConfig(), NewInMemoryTaskStore(), NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	ctx := context.Background()

	if _, err := mgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{
		Role:          dap.RoleLeader,
		VdafParameter: testVdafParameter(t),
	}); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
}
