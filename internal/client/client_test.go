package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/dpsa4fl/dpsa4fl-go/internal/aggregatorclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager/httpapi"
	"github.com/dpsa4fl/dpsa4fl-go/internal/managerclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testVdafParameter() dap.VdafParameter {
	return dap.VdafParameter{
		GradientLen:    4,
		SubmissionType: vdaf.Fixed32,
		PrivacyParameter: dap.ZCDPBudget{
			Numerator:   1,
			Denominator: 100,
		},
	}
}

// testDeployment wires two Managers sharing one task id and VdafParameter,
// behind aggregator stubs the Client uploads reports to, the minimal state
// update_round_settings and Submit need.
type testDeployment struct {
	leaderSrv      *httptest.Server
	helperSrv      *httptest.Server
	leaderAggStub  *stubAggregator
	helperAggStub  *stubAggregator
	taskID         dap.TaskId
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()

	leaderAgg := newStubAggregator(t)
	helperAgg := newStubAggregator(t)

	cfg := manager.Config{
		LeaderEndpoint: leaderAgg.srv.URL,
		HelperEndpoint: helperAgg.srv.URL,
		MainLocations: dap.MainLocations{
			Leader: leaderAgg.srv.URL,
			Helper: helperAgg.srv.URL,
		},
	}
	leaderMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	helperMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	leaderSrv := httptest.NewServer(httpapi.New(leaderMgr, nil).Handler())
	helperSrv := httptest.NewServer(httpapi.New(helperMgr, nil).Handler())
	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	ctx := context.Background()
	param := testVdafParameter()

	sid, err := leaderMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{
		Role:          dap.RoleLeader,
		VdafParameter: param,
	})
	if err != nil {
		t.Fatalf("create leader session: %v", err)
	}
	if _, err := helperMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{
		TrainingSessionId: &sid,
		Role:              dap.RoleHelper,
		VdafParameter: param,
	}); err != nil {
		t.Fatalf("create helper session: %v", err)
	}

	taskID, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id: %v", err)
	}
	if err := leaderMgr.StartRound(ctx, sid, taskID); err != nil {
		t.Fatalf("start round on leader: %v", err)
	}
	if err := helperMgr.StartRound(ctx, sid, taskID); err != nil {
		t.Fatalf("start round on helper: %v", err)
	}

	return &testDeployment{
		leaderSrv:     leaderSrv,
		helperSrv:     helperSrv,
		leaderAggStub: leaderAgg,
		helperAggStub: helperAgg,
		taskID:        taskID,
	}
}

func (d *testDeployment) roundSettings() RoundSettings {
	return RoundSettings{
		ManagerLocations: dap.ManagerLocations{Leader: d.leaderSrv.URL, Helper: d.helperSrv.URL},
		TaskId:           d.taskID,
	}
}

func TestUpdateRoundSettingsSucceeds(t *testing.T) {
	d := newTestDeployment(t)
	c := New(nil)

	if c.IsValid() {
		t.Fatalf("expected Uninit client before update_round_settings")
	}
	if err := c.UpdateRoundSettings(context.Background(), d.roundSettings()); err != nil {
		t.Fatalf("update round settings: %v", err)
	}
	if !c.IsValid() {
		t.Fatalf("expected Valid client after update_round_settings")
	}
}

func TestUpdateRoundSettingsDetectsVdafParameterDisagreement(t *testing.T) {
	leaderAgg := newStubAggregator(t)
	helperAgg := newStubAggregator(t)

	cfg := manager.Config{
		LeaderEndpoint: leaderAgg.srv.URL,
		HelperEndpoint: helperAgg.srv.URL,
		MainLocations:  dap.MainLocations{Leader: leaderAgg.srv.URL, Helper: helperAgg.srv.URL},
	}
	leaderMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	helperMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	leaderSrv := httptest.NewServer(httpapi.New(leaderMgr, nil).Handler())
	helperSrv := httptest.NewServer(httpapi.New(helperMgr, nil).Handler())
	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	ctx := context.Background()
	leaderParam := testVdafParameter()
	helperParam := testVdafParameter()
	helperParam.GradientLen = 8

	sid, err := leaderMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{Role: dap.RoleLeader, VdafParameter: leaderParam})
	if err != nil {
		t.Fatalf("create leader session: %v", err)
	}
	if _, err := helperMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{TrainingSessionId: &sid, Role: dap.RoleHelper, VdafParameter: helperParam}); err != nil {
		t.Fatalf("create helper session: %v", err)
	}

	taskID, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id: %v", err)
	}
	if err := leaderMgr.StartRound(ctx, sid, taskID); err != nil {
		t.Fatalf("start round on leader: %v", err)
	}
	if err := helperMgr.StartRound(ctx, sid, taskID); err != nil {
		t.Fatalf("start round on helper: %v", err)
	}

	c := New(nil)
	settings := RoundSettings{
		ManagerLocations: dap.ManagerLocations{Leader: leaderSrv.URL, Helper: helperSrv.URL},
		TaskId:           taskID,
	}
	err = c.UpdateRoundSettings(ctx, settings)
	if !errors.Is(err, ErrVdafParameterDisagreement) {
		t.Fatalf("expected ErrVdafParameterDisagreement, got %v", err)
	}
}

// stubAggregator accepts uploads the way the aggregatorclient reference
// Client sends them, recording each report it receives.
type stubAggregator struct {
	srv     *httptest.Server
	reports []aggregatorclient.Report
}

func newStubAggregator(t *testing.T) *stubAggregator {
	t.Helper()
	s := &stubAggregator{}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		var rep aggregatorclient.Report
		if err := decodeJSONBody(r, &rep); err != nil {
			t.Errorf("decode report: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.reports = append(s.reports, rep)
		w.WriteHeader(http.StatusOK)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func TestSubmitValidatesLengthBeforeNetworkIO(t *testing.T) {
	d := newTestDeployment(t)
	c := New(nil)

	calledGetData := false
	err := c.Submit(context.Background(), d.roundSettings(), func() (vdaf.VecFixedAny, error) {
		calledGetData = true
		return vdaf.NewVecFixed32(make([]vdaf.FixedPoint32, 3)), nil
	})
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
	if !calledGetData {
		t.Fatal("expected getData to be called before length validation")
	}
	want := "submit: Expected data to have length 4 but it was 3"
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
	if len(d.leaderAggStub.reports) != 0 || len(d.helperAggStub.reports) != 0 {
		t.Fatalf("expected no uploads on validation failure")
	}
}

func TestSubmitValidatesTypeTagBeforeNetworkIO(t *testing.T) {
	d := newTestDeployment(t)
	c := New(nil)

	err := c.Submit(context.Background(), d.roundSettings(), func() (vdaf.VecFixedAny, error) {
		return vdaf.NewVecFixed16(make([]vdaf.FixedPoint16, 4)), nil
	})
	if !errors.Is(err, vdaf.ErrTypeTagMismatch) {
		t.Fatalf("expected ErrTypeTagMismatch, got %v", err)
	}
	if len(d.leaderAggStub.reports) != 0 || len(d.helperAggStub.reports) != 0 {
		t.Fatalf("expected no uploads on validation failure")
	}
}

func TestSubmitUploadsToBothAggregators(t *testing.T) {
	d := newTestDeployment(t)
	c := New(nil)

	err := c.Submit(context.Background(), d.roundSettings(), func() (vdaf.VecFixedAny, error) {
		values := make([]vdaf.FixedPoint32, 4)
		return vdaf.NewVecFixed32(values), nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(d.leaderAggStub.reports) != 1 {
		t.Fatalf("leader received %d reports, want 1", len(d.leaderAggStub.reports))
	}
	if len(d.helperAggStub.reports) != 1 {
		t.Fatalf("helper received %d reports, want 1", len(d.helperAggStub.reports))
	}

	leaderReport := d.leaderAggStub.reports[0]
	helperReport := d.helperAggStub.reports[0]
	if leaderReport.TaskId != d.taskID || helperReport.TaskId != d.taskID {
		t.Fatalf("reports carry wrong task id: leader=%s helper=%s want %s", leaderReport.TaskId, helperReport.TaskId, d.taskID)
	}
	if leaderReport.Nonce != helperReport.Nonce {
		t.Fatalf("expected both shares to carry the same report nonce")
	}
	if string(leaderReport.InputShare) == string(helperReport.InputShare) {
		t.Fatalf("expected distinct per-aggregator input shares")
	}
}

func TestSubmitFailsWhenAggregatorUnreachable(t *testing.T) {
	d := newTestDeployment(t)
	d.leaderAggStub.srv.Close()

	c := New(nil)
	err := c.Submit(context.Background(), d.roundSettings(), func() (vdaf.VecFixedAny, error) {
		return vdaf.NewVecFixed32(make([]vdaf.FixedPoint32, 4)), nil
	})
	if err == nil {
		t.Fatal("expected upload failure to be surfaced")
	}
}

func TestUpdateRoundSettingsAcrossMismatchedDeploymentsFails(t *testing.T) {
	d := newTestDeployment(t)
	other := newTestDeployment(t)
	ctx := context.Background()

	leaderMC := managerclient.New(d.leaderSrv.URL, nil)
	if _, err := leaderMC.GetMainLocations(ctx); err != nil {
		t.Fatalf("sanity get main locations: %v", err)
	}

	// Pairing d's Leader Manager with other's Helper Manager: the Helper
	// knows nothing about d's task id, so update_round_settings must fail
	// (spec.md Section 4.4's cross-Manager agreement checks reject any
	// such mismatch, whether via disagreement or an unknown task).
	c := New(nil)
	settings := RoundSettings{
		ManagerLocations: dap.ManagerLocations{Leader: d.leaderSrv.URL, Helper: other.helperSrv.URL},
		TaskId:           d.taskID,
	}
	if err := c.UpdateRoundSettings(ctx, settings); err == nil {
		t.Fatal("expected update_round_settings to fail against mismatched deployments")
	}
}

// hpkeConfigCallCounter counts /get_hpke_config requests a Manager
// receives, so tests can observe whether UpdateRoundSettings actually
// refetched HPKE configs or reused its cache.
type hpkeConfigCallCounter struct {
	mu    sync.Mutex
	count int
}

func (c *hpkeConfigCallCounter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get_hpke_config" {
			c.mu.Lock()
			c.count++
			c.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (c *hpkeConfigCallCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// TestUpdateRoundSettingsShouldRequestHpkeConfig exercises the
// refresh-vs-reuse distinction round_settings.should_request_hpke_config
// drives (spec.md Section 4.4): a Valid client re-running
// UpdateRoundSettings with ShouldRequestHpkeConfig false must carry its
// cached HPKE configs forward without another get_hpke_config round
// trip, while setting it true must refetch.
func TestUpdateRoundSettingsShouldRequestHpkeConfig(t *testing.T) {
	leaderAgg := newStubAggregator(t)
	helperAgg := newStubAggregator(t)

	cfg := manager.Config{
		LeaderEndpoint: leaderAgg.srv.URL,
		HelperEndpoint: helperAgg.srv.URL,
		MainLocations:  dap.MainLocations{Leader: leaderAgg.srv.URL, Helper: helperAgg.srv.URL},
	}
	leaderMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	helperMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	leaderCalls := &hpkeConfigCallCounter{}
	helperCalls := &hpkeConfigCallCounter{}
	leaderSrv := httptest.NewServer(leaderCalls.wrap(httpapi.New(leaderMgr, nil).Handler()))
	helperSrv := httptest.NewServer(helperCalls.wrap(httpapi.New(helperMgr, nil).Handler()))
	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	ctx := context.Background()
	param := testVdafParameter()

	sid1, err := leaderMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{Role: dap.RoleLeader, VdafParameter: param})
	if err != nil {
		t.Fatalf("create leader session 1: %v", err)
	}
	if _, err := helperMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{TrainingSessionId: &sid1, Role: dap.RoleHelper, VdafParameter: param}); err != nil {
		t.Fatalf("create helper session 1: %v", err)
	}
	taskID1, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id 1: %v", err)
	}
	if err := leaderMgr.StartRound(ctx, sid1, taskID1); err != nil {
		t.Fatalf("start round 1 on leader: %v", err)
	}
	if err := helperMgr.StartRound(ctx, sid1, taskID1); err != nil {
		t.Fatalf("start round 1 on helper: %v", err)
	}

	// A second session whose id differs from the first only in its low bit
	// folds to a different HPKE config id, so it gets its own keypair from
	// each Manager's registry and refetching against it is observably
	// distinct from reusing the first session's cached configs.
	target2 := sid1 ^ 1
	sid2, err := leaderMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{TrainingSessionId: &target2, Role: dap.RoleLeader, VdafParameter: param})
	if err != nil {
		t.Fatalf("create leader session 2: %v", err)
	}
	if _, err := helperMgr.CreateSession(ctx, dap.CreateTrainingSessionRequest{TrainingSessionId: &sid2, Role: dap.RoleHelper, VdafParameter: param}); err != nil {
		t.Fatalf("create helper session 2: %v", err)
	}
	taskID2, err := dap.RandomTaskId()
	if err != nil {
		t.Fatalf("random task id 2: %v", err)
	}
	if err := leaderMgr.StartRound(ctx, sid2, taskID2); err != nil {
		t.Fatalf("start round 2 on leader: %v", err)
	}
	if err := helperMgr.StartRound(ctx, sid2, taskID2); err != nil {
		t.Fatalf("start round 2 on helper: %v", err)
	}

	managerLocations := dap.ManagerLocations{Leader: leaderSrv.URL, Helper: helperSrv.URL}
	c := New(nil)

	if err := c.UpdateRoundSettings(ctx, RoundSettings{ManagerLocations: managerLocations, TaskId: taskID1}); err != nil {
		t.Fatalf("update round settings (initial): %v", err)
	}
	if got := leaderCalls.value(); got != 1 {
		t.Fatalf("leader get_hpke_config calls = %d, want 1 after first update_round_settings", got)
	}
	if got := helperCalls.value(); got != 1 {
		t.Fatalf("helper get_hpke_config calls = %d, want 1 after first update_round_settings", got)
	}
	cachedLeaderHpke := c.param.leaderHpke
	cachedHelperHpke := c.param.helperHpke

	// ShouldRequestHpkeConfig false against a different task must reuse
	// the cache untouched rather than issue a new round trip.
	settings := RoundSettings{ManagerLocations: managerLocations, TaskId: taskID2, ShouldRequestHpkeConfig: false}
	if err := c.UpdateRoundSettings(ctx, settings); err != nil {
		t.Fatalf("update round settings (reuse): %v", err)
	}
	if got := leaderCalls.value(); got != 1 {
		t.Fatalf("leader get_hpke_config calls = %d, want still 1 after should_request_hpke_config=false", got)
	}
	if got := helperCalls.value(); got != 1 {
		t.Fatalf("helper get_hpke_config calls = %d, want still 1 after should_request_hpke_config=false", got)
	}
	if !c.param.leaderHpke.Equal(cachedLeaderHpke) {
		t.Fatalf("leader hpke config changed despite should_request_hpke_config=false")
	}
	if !c.param.helperHpke.Equal(cachedHelperHpke) {
		t.Fatalf("helper hpke config changed despite should_request_hpke_config=false")
	}

	// ShouldRequestHpkeConfig true must refetch, landing on session 2's
	// distinct HPKE configs.
	settings.ShouldRequestHpkeConfig = true
	if err := c.UpdateRoundSettings(ctx, settings); err != nil {
		t.Fatalf("update round settings (refresh): %v", err)
	}
	if got := leaderCalls.value(); got != 2 {
		t.Fatalf("leader get_hpke_config calls = %d, want 2 after should_request_hpke_config=true", got)
	}
	if got := helperCalls.value(); got != 2 {
		t.Fatalf("helper get_hpke_config calls = %d, want 2 after should_request_hpke_config=true", got)
	}
	if c.param.leaderHpke.Equal(cachedLeaderHpke) {
		t.Fatalf("expected refreshed leader hpke config to differ from session 1's")
	}
	if c.param.helperHpke.Equal(cachedHelperHpke) {
		t.Fatalf("expected refreshed helper hpke config to differ from session 1's")
	}
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
