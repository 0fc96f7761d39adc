package controller

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

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

// testDeployment wires two Managers (Leader, Helper) behind httptest
// servers plus their shared external Main locations, the way a real
// deployment would run one Manager instance co-located with each
// aggregator (spec.md Section 2).
type testDeployment struct {
	leaderSrv *httptest.Server
	helperSrv *httptest.Server
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()

	cfg := manager.Config{
		LeaderEndpoint: "https://main-leader.example/",
		HelperEndpoint: "https://main-helper.example/",
		MainLocations: dap.MainLocations{
			Leader: "https://main-leader.example/",
			Helper: "https://main-helper.example/",
		},
	}

	leaderMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	helperMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)

	leaderSrv := httptest.NewServer(httpapi.New(leaderMgr, nil).Handler())
	helperSrv := httptest.NewServer(httpapi.New(helperMgr, nil).Handler())

	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	return &testDeployment{leaderSrv: leaderSrv, helperSrv: helperSrv}
}

func (d *testDeployment) managerLocations() dap.ManagerLocations {
	return dap.ManagerLocations{Leader: d.leaderSrv.URL, Helper: d.helperSrv.URL}
}

func testVdafParameter() dap.VdafParameter {
	return dap.VdafParameter{
		GradientLen:    10,
		SubmissionType: vdaf.Fixed32,
		PrivacyParameter: dap.ZCDPBudget{
			Numerator:   1,
			Denominator: 16,
		},
	}
}

func newTestController(t *testing.T, d *testDeployment) *Controller {
	t.Helper()
	c, err := New(context.Background(), Config{
		ManagerLocations: d.managerLocations(),
		VdafParameter:    testVdafParameter(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func TestCreateSessionAgreesAcrossManagers(t *testing.T) {
	d := newTestDeployment(t)
	c := newTestController(t, d)
	ctx := context.Background()

	sid, err := c.CreateSession(ctx, nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, ok := c.CurrentSessionID()
	if !ok || got != sid {
		t.Fatalf("current session id = %s, ok=%v; want %s", got, ok, sid)
	}

	param, err := managerGetVdafParameterAfterStartRound(t, ctx, c, d)
	if err != nil {
		t.Fatalf("round-trip vdaf parameter: %v", err)
	}
	if !param.Equal(testVdafParameter()) {
		t.Fatalf("vdaf parameter mismatch: %+v", param)
	}
}

// managerGetVdafParameterAfterStartRound starts a round and fetches the
// vdaf parameter back from the Leader Manager directly, exercising both
// StartRound and the underlying Manager's get_vdaf_parameter.
func managerGetVdafParameterAfterStartRound(t *testing.T, ctx context.Context, c *Controller, d *testDeployment) (dap.VdafParameter, error) {
	t.Helper()
	taskID, err := c.StartRound(ctx)
	if err != nil {
		return dap.VdafParameter{}, err
	}

	mc := managerclient.New(d.leaderSrv.URL, nil)
	return mc.GetVdafParameter(ctx, taskID)
}

func TestAbortRoundThenStartRoundAgain(t *testing.T) {
	d := newTestDeployment(t)
	c := newTestController(t, d)
	ctx := context.Background()

	if _, err := c.CreateSession(ctx, nil); err != nil {
		t.Fatalf("create session: %v", err)
	}
	firstTask, err := c.StartRound(ctx)
	if err != nil {
		t.Fatalf("start round: %v", err)
	}
	if err := c.AbortRound(ctx); err != nil {
		t.Fatalf("abort round: %v", err)
	}
	if _, ok := c.CurrentTaskID(); ok {
		t.Fatalf("expected no current task after abort")
	}

	secondTask, err := c.StartRound(ctx)
	if err != nil {
		t.Fatalf("start round (2nd): %v", err)
	}
	if firstTask == secondTask {
		t.Fatalf("expected a fresh task id on the second round")
	}
}

func TestEndSessionThenOperationsFail(t *testing.T) {
	d := newTestDeployment(t)
	c := newTestController(t, d)
	ctx := context.Background()

	if _, err := c.CreateSession(ctx, nil); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := c.EndSession(ctx); err != nil {
		t.Fatalf("end session: %v", err)
	}

	if _, err := c.StartRound(ctx); !errors.Is(err, ErrNoCurrentSession) {
		t.Fatalf("expected ErrNoCurrentSession, got %v", err)
	}
}

func TestCollectOpensAndCombinesBothShares(t *testing.T) {
	ctx := context.Background()

	// A stub aggregator: stands in for the Leader aggregator's collect
	// endpoint, sealing two fixed aggregate-share vectors to whatever
	// Controller keypair the test supplies.
	var aggregatorSrv *httptest.Server
	var ctrl *Controller

	aggregatorSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q struct {
			TaskId dap.TaskId `json:"taskIdEncoded"`
		}
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			t.Errorf("decode collect query: %v", err)
		}

		leaderVals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		helperVals := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

		cfg := ctrl.CollectorHpkeConfig().ToHpkeConfig()
		leaderEnc, leaderCt, err := hpke.Seal(cfg, q.TaskId[:], nil, encodeFloat64sForTest(leaderVals))
		if err != nil {
			t.Fatalf("seal leader share: %v", err)
		}
		helperEnc, helperCt, err := hpke.Seal(cfg, q.TaskId[:], nil, encodeFloat64sForTest(helperVals))
		if err != nil {
			t.Fatalf("seal helper share: %v", err)
		}

		_ = json.NewEncoder(w).Encode(aggregatorCollectionResultForTest{
			ReportCount: 1,
			LeaderShare: aggregatorShareForTest{EncapsulatedKey: leaderEnc, Ciphertext: leaderCt},
			HelperShare: aggregatorShareForTest{EncapsulatedKey: helperEnc, Ciphertext: helperCt},
		})
	}))
	t.Cleanup(aggregatorSrv.Close)

	cfg := manager.Config{
		LeaderEndpoint: "https://main-leader.example/",
		HelperEndpoint: "https://main-helper.example/",
		MainLocations: dap.MainLocations{
			Leader: aggregatorSrv.URL,
			Helper: "https://main-helper.example/",
		},
	}
	leaderMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	helperMgr := manager.New(cfg, manager.NewInMemoryTaskStore(), manager.NewHpkeConfigRegistry(hpke.ServerSuite), nil)
	leaderSrv := httptest.NewServer(httpapi.New(leaderMgr, nil).Handler())
	helperSrv := httptest.NewServer(httpapi.New(helperMgr, nil).Handler())
	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	var err error
	ctrl, err = New(ctx, Config{
		ManagerLocations: dap.ManagerLocations{Leader: leaderSrv.URL, Helper: helperSrv.URL},
		VdafParameter:    testVdafParameter(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	if _, err := ctrl.CreateSession(ctx, nil); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := ctrl.StartRound(ctx); err != nil {
		t.Fatalf("start round: %v", err)
	}

	aggregate, err := ctrl.Collect(ctx, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if len(aggregate) != len(want) {
		t.Fatalf("aggregate length = %d, want %d", len(aggregate), len(want))
	}
	for i := range want {
		if aggregate[i] != want[i] {
			t.Fatalf("aggregate[%d] = %v, want %v", i, aggregate[i], want[i])
		}
	}
}

type aggregatorShareForTest struct {
	EncapsulatedKey []byte `json:"encapsulatedKey"`
	Ciphertext      []byte `json:"ciphertext"`
}

type aggregatorCollectionResultForTest struct {
	ReportCount uint64                 `json:"reportCount"`
	LeaderShare aggregatorShareForTest `json:"leaderShare"`
	HelperShare aggregatorShareForTest `json:"helperShare"`
}

func encodeFloat64sForTest(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func TestCollectionWindow(t *testing.T) {
	T := time.Hour
	now := time.Date(2026, 7, 31, 14, 23, 0, 0, time.UTC)
	start, end := CollectionWindow(now, T)

	rounded := now.Truncate(T)
	if !start.Equal(rounded.Add(-5 * T)) {
		t.Fatalf("start = %v, want %v", start, rounded.Add(-5*T))
	}
	if !end.Equal(rounded.Add(10 * T)) {
		t.Fatalf("end = %v, want %v", end, rounded.Add(10*T))
	}
}
