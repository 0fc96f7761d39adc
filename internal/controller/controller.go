// Package controller implements the Controller role (spec.md Section 4.2):
// the component that drives a Manager pair through the session lifecycle,
// starts rounds, and collects the aggregated result from the Leader.
package controller

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dpsa4fl/dpsa4fl-go/internal/aggregatorclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/managerclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// authTokenLen is the byte length of both random bearer tokens (leader and
// collector) the Controller generates at construction (spec.md
// Section 4.2: "generates leader_auth_token, collector_auth_token ... both
// random bearer tokens"). 32 bytes is a conventional token length; the
// wire format places no upper bound on it.
const authTokenLen = 32

// collectorHpkeConfigID is the fixed config id the Controller uses for its
// own HPKE keypair. Unlike the Manager's per-session registry, the
// Controller needs exactly one keypair for its lifetime, so no pool is
// needed.
const collectorHpkeConfigID = hpke.ConfigID(0)

var (
	// ErrNoCurrentSession indicates an operation that requires an active
	// session was called before create_session or after end_session.
	ErrNoCurrentSession = errors.New("no current training session")

	// ErrNoCurrentTask indicates collect or abort_round was called before
	// start_round produced a task id.
	ErrNoCurrentTask = errors.New("no current task")

	// ErrSessionIdDisagreement indicates the Leader and Helper Managers
	// returned different session ids for the same create_session call
	// pair (spec.md Section 8: "leader.sessionId == helper.sessionId").
	ErrSessionIdDisagreement = errors.New("leader and helper managers disagree on session id")

	// ErrMainLocationsDisagreement indicates the Leader and Helper Managers
	// returned different get_main_locations answers at construction.
	ErrMainLocationsDisagreement = errors.New("leader and helper managers disagree on main locations")

	// ErrVdafParameterDisagreement indicates get_vdaf_parameter or
	// create_session disagreement between the two Managers (spec.md
	// Section 8 scenario 6).
	ErrVdafParameterDisagreement = errors.New("leader and helper have different vdaf params")
)

// Config parametrizes a Controller (spec.md Section 4.2).
type Config struct {
	// ManagerLocations are the two Managers' session-API base URLs.
	ManagerLocations dap.ManagerLocations

	// VdafParameter is this training run's VDAF parametrization.
	VdafParameter dap.VdafParameter

	// HTTPClient is shared by the Manager and aggregator clients; defaults
	// to http.DefaultClient if nil.
	HTTPClient *http.Client
}

// Controller drives the Manager pair through create_session / start_round /
// abort_round / end_session and collects results from the Leader
// aggregator. Mutable state (current session/task id) is guarded by a
// mutex; the credential material generated at construction is immutable
// for the Controller's lifetime (spec.md Section 4.2: "reused across all
// rounds within one session").
type Controller struct {
	leaderMgr *managerclient.Client
	helperMgr *managerclient.Client
	aggClient aggregatorclient.Collector

	vdafParameter dap.VdafParameter
	instance      vdaf.Prio3FixedPointBoundedL2VecSum

	leaderAuthToken     dap.BearerToken
	collectorAuthToken  dap.BearerToken
	verifyKey           dap.BearerToken
	hpkeKeypair         hpke.KeyPair
	collectorHpkeConfig dap.HpkeConfig

	mainLocations dap.MainLocations

	mu         sync.Mutex
	sessionID  *dap.TrainingSessionId
	taskID     *dap.TaskId
}

// New constructs a Controller: generates its credential set, fetches the
// aggregators' Main locations from the Leader Manager, and derives the
// VDAF instance (spec.md Section 4.2, "Credential provisioning").
func New(ctx context.Context, cfg Config) (*Controller, error) {
	instance, err := cfg.VdafParameter.Instance()
	if err != nil {
		return nil, fmt.Errorf("new controller: %w", err)
	}

	leaderAuthToken, err := randomToken(authTokenLen)
	if err != nil {
		return nil, fmt.Errorf("new controller: generate leader auth token: %w", err)
	}
	collectorAuthToken, err := randomToken(authTokenLen)
	if err != nil {
		return nil, fmt.Errorf("new controller: generate collector auth token: %w", err)
	}
	verifyKey, err := randomToken(instance.VerifyKeyLength())
	if err != nil {
		return nil, fmt.Errorf("new controller: generate verify key: %w", err)
	}

	hpkeKeypair, err := hpke.GenerateKeyPair(collectorHpkeConfigID, hpke.CollectorSuite)
	if err != nil {
		return nil, fmt.Errorf("new controller: generate hpke keypair: %w", err)
	}
	publicConfig, err := hpkeKeypair.PublicConfig()
	if err != nil {
		return nil, fmt.Errorf("new controller: derive hpke public config: %w", err)
	}

	httpClient := cfg.HTTPClient
	leaderMgr := managerclient.New(cfg.ManagerLocations.Leader, httpClient)
	helperMgr := managerclient.New(cfg.ManagerLocations.Helper, httpClient)

	leaderLocs, err := leaderMgr.GetMainLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("new controller: get main locations from leader: %w", err)
	}
	helperLocs, err := helperMgr.GetMainLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("new controller: get main locations from helper: %w", err)
	}
	if !leaderLocs.Equal(helperLocs) {
		return nil, fmt.Errorf("new controller: %w", ErrMainLocationsDisagreement)
	}

	return &Controller{
		leaderMgr:           leaderMgr,
		helperMgr:           helperMgr,
		aggClient:           aggregatorclient.New(httpClient),
		vdafParameter:       cfg.VdafParameter,
		instance:            instance,
		leaderAuthToken:     leaderAuthToken,
		collectorAuthToken:  collectorAuthToken,
		verifyKey:           verifyKey,
		hpkeKeypair:         hpkeKeypair,
		collectorHpkeConfig: dap.FromHpkeConfig(publicConfig),
		mainLocations:       dap.MainLocations{Leader: leaderLocs.ExternalLeader, Helper: leaderLocs.ExternalHelper},
	}, nil
}

func randomToken(n int) (dap.BearerToken, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return dap.BearerToken(buf), nil
}

// CreateSession implements create_session (spec.md Section 4.2): a
// manually-sequenced two-phase write, Leader then Helper, installing the
// same cryptographic parameters into both (spec.md Section 9: "Two-phase
// operations without a coordinator").
func (c *Controller) CreateSession(ctx context.Context, targetID *dap.TrainingSessionId) (dap.TrainingSessionId, error) {
	leaderReq := c.createRequest(dap.RoleLeader, targetID)
	leaderID, err := c.leaderMgr.CreateSession(ctx, leaderReq)
	if err != nil {
		return 0, fmt.Errorf("create session: leader: %w", err)
	}

	helperReq := c.createRequest(dap.RoleHelper, &leaderID)
	helperID, err := c.helperMgr.CreateSession(ctx, helperReq)
	if err != nil {
		// Taxonomy item 4 (spec.md Section 7): partial distributed
		// failure. Surviving Leader state is not auto-cleaned; the
		// caller should call EndSession to roll back.
		return 0, fmt.Errorf("create session: helper failed after leader created session %s (call EndSession to roll back): %w", leaderID, err)
	}
	if helperID != leaderID {
		return 0, fmt.Errorf("create session: leader=%s helper=%s: %w", leaderID, helperID, ErrSessionIdDisagreement)
	}

	c.mu.Lock()
	c.sessionID = &helperID
	c.taskID = nil
	c.mu.Unlock()

	return helperID, nil
}

func (c *Controller) createRequest(role dap.Role, targetID *dap.TrainingSessionId) dap.CreateTrainingSessionRequest {
	return dap.CreateTrainingSessionRequest{
		TrainingSessionId:         targetID,
		Role:                      role,
		VerifyKeyEncoded:          dap.B64URLToken(c.verifyKey),
		CollectorHpkeConfig:       c.collectorHpkeConfig,
		CollectorAuthTokenEncoded: dap.B64URLToken(c.collectorAuthToken),
		LeaderAuthTokenEncoded:    dap.RawToken(c.leaderAuthToken),
		VdafParameter:             c.vdafParameter,
	}
}

// EndSession implements end_session: best-effort on both Managers, since
// it is also the rollback mechanism for a partially-failed CreateSession
// (spec.md Section 7 taxonomy item 4).
func (c *Controller) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == nil {
		return ErrNoCurrentSession
	}

	leaderErr := c.leaderMgr.EndSession(ctx, *sid)
	helperErr := c.helperMgr.EndSession(ctx, *sid)

	c.mu.Lock()
	c.sessionID = nil
	c.taskID = nil
	c.mu.Unlock()

	return errors.Join(leaderErr, helperErr)
}

// StartRound implements start_round: provisions a fresh task id into both
// Managers. There is no rollback for a partial failure here (spec.md
// Section 9): if the Helper fails after the Leader succeeded, the returned
// task id is kept as the current task, so a following AbortRound removes it
// from both Managers.
func (c *Controller) StartRound(ctx context.Context) (dap.TaskId, error) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid == nil {
		return dap.TaskId{}, ErrNoCurrentSession
	}

	taskID, err := dap.RandomTaskId()
	if err != nil {
		return dap.TaskId{}, fmt.Errorf("start round: %w", err)
	}

	if err := c.leaderMgr.StartRound(ctx, *sid, taskID); err != nil {
		return dap.TaskId{}, fmt.Errorf("start round: leader: %w", err)
	}
	if err := c.helperMgr.StartRound(ctx, *sid, taskID); err != nil {
		c.mu.Lock()
		c.taskID = &taskID
		c.mu.Unlock()
		return taskID, fmt.Errorf("start round: helper failed after leader provisioned task %s (call AbortRound to roll back): %w", taskID, err)
	}

	c.mu.Lock()
	c.taskID = &taskID
	c.mu.Unlock()

	return taskID, nil
}

// AbortRound implements abort_round (SPEC_FULL.md Section 4, resolving
// spec.md Section 9's suggested addition): ask both Managers to forget the
// current task id.
func (c *Controller) AbortRound(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sessionID
	tid := c.taskID
	c.mu.Unlock()
	if sid == nil {
		return ErrNoCurrentSession
	}
	if tid == nil {
		return ErrNoCurrentTask
	}

	leaderErr := c.leaderMgr.AbortRound(ctx, *sid, *tid)
	helperErr := c.helperMgr.AbortRound(ctx, *sid, *tid)

	c.mu.Lock()
	c.taskID = nil
	c.mu.Unlock()

	return errors.Join(leaderErr, helperErr)
}

// CollectionWindow computes the time-interval query window for a collect
// call: [rounded_now - 5T, rounded_now + 10T), T = time_precision (spec.md
// Section 4.2: "spans recent past and near future to cover client-clock
// skew").
func CollectionWindow(now time.Time, timePrecision time.Duration) (start, end time.Time) {
	rounded := now.Truncate(timePrecision)
	start = rounded.Add(-5 * timePrecision)
	end = rounded.Add(10 * timePrecision)
	return start, end
}

// Collect implements collect (spec.md Section 4.2): query the Leader
// aggregator's collect endpoint, open both aggregators' sealed shares with
// the Controller's own HPKE keypair, and combine them via the VDAF
// collector.
func (c *Controller) Collect(ctx context.Context, now time.Time, timePrecision time.Duration) ([]float64, error) {
	c.mu.Lock()
	tid := c.taskID
	c.mu.Unlock()
	if tid == nil {
		return nil, ErrNoCurrentTask
	}

	start, end := CollectionWindow(now, timePrecision)
	result, err := c.aggClient.Collect(ctx, c.mainLocations.Leader, *tid, start, end)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}

	leaderPlain, err := hpke.Open(c.hpkeKeypair, result.LeaderShare.EncapsulatedKey, tid[:], nil, result.LeaderShare.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("collect: open leader share: %w", err)
	}
	helperPlain, err := hpke.Open(c.hpkeKeypair, result.HelperShare.EncapsulatedKey, tid[:], nil, result.HelperShare.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("collect: open helper share: %w", err)
	}

	collector, err := vdaf.NewPrio3Collector(c.instance, c.verifyKey, vdaf.ReferencePrio3Factory{})
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	aggregate, err := collector.Unshard([][]byte{leaderPlain, helperPlain}, result.ReportCount)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	return aggregate, nil
}

// CurrentSessionID returns the Controller's current session id, if any.
func (c *Controller) CurrentSessionID() (dap.TrainingSessionId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == nil {
		return 0, false
	}
	return *c.sessionID, true
}

// CollectorHpkeConfig returns the Controller's own HPKE public config, the
// one installed into both Managers at CreateSession and used by the
// aggregators to seal collected aggregate shares.
func (c *Controller) CollectorHpkeConfig() dap.HpkeConfig {
	return c.collectorHpkeConfig
}

// CurrentTaskID returns the Controller's current task id, if any.
func (c *Controller) CurrentTaskID() (dap.TaskId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taskID == nil {
		return dap.TaskId{}, false
	}
	return *c.taskID, true
}
