package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// maxIdAllocAttempts bounds retries when a randomly-generated session id
// collides with one already in use (a caller-supplied id that is in use
// fails at once with ErrSessionIdInUse), mirroring
// the teacher's DiscriminatorAllocator bound on allocation attempts.
const maxIdAllocAttempts = 8

var (
	// ErrSessionIdInUse indicates create_session was asked for a specific
	// session id that already names a live session (spec.md Section 4.1).
	ErrSessionIdInUse = errors.New("training session id already in use")

	// ErrSessionNotFound indicates an operation named a session id with no
	// live session.
	ErrSessionNotFound = errors.New("training session not found")

	// ErrSessionIdExhausted indicates random id generation could not find
	// an unused 16-bit id within the attempt bound; vanishingly unlikely
	// at the scale spec.md targets (O(10^2) concurrent sessions).
	ErrSessionIdExhausted = errors.New("could not allocate an unused training session id")

	// ErrTaskNotFound indicates get_vdaf_parameter named a task id present
	// in no session.
	ErrTaskNotFound = errors.New("task not found in any training session")

	// ErrTaskAmbiguous indicates a task id was found in more than one
	// session, a bug sentinel per spec.md Section 4.1 (task ids are
	// globally unique random values, so this should never occur).
	ErrTaskAmbiguous = errors.New("task id present in more than one training session")
)

// Config parametrizes a Manager's own view of the federation: the
// internal DAP endpoints of both aggregators (used to fill in
// AggregatorTask.PeerEndpoint) and the externally-advertised pair
// returned by get_main_locations (spec.md Section 3, Section 6).
type Config struct {
	LeaderEndpoint string
	HelperEndpoint string
	MainLocations  dap.MainLocations
}

// Manager holds the in-memory training-session state and provisions DAP
// tasks into a TaskStore (spec.md Section 4.1). Its mutex discipline
// mirrors the teacher's bfd.Manager: the mutex guards only the in-memory
// map; it is never held across a TaskStore call.
type Manager struct {
	cfg      Config
	store    TaskStore
	registry *HpkeConfigRegistry
	logger   *slog.Logger
	metrics  MetricsReporter

	mu       sync.Mutex
	sessions map[dap.TrainingSessionId]*TrainingSession
}

// MetricsReporter receives Manager lifecycle events for observability.
// Defined here rather than imported from a metrics package so this
// package stays decoupled from any one metrics backend; telemetry.Collector
// satisfies it.
type MetricsReporter interface {
	RegisterSession(role string)
	UnregisterSession(role string)
	IncTasksProvisioned(role string)
	IncTasksAborted(role string)
}

// noopMetrics is the default MetricsReporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(string)      {}
func (noopMetrics) UnregisterSession(string)    {}
func (noopMetrics) IncTasksProvisioned(string)  {}
func (noopMetrics) IncTasksAborted(string)      {}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithMetrics sets the MetricsReporter used to observe session and task
// lifecycle events. If mr is nil, a no-op reporter is used.
func WithMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// New constructs a Manager. logger defaults to slog.Default() if nil.
func New(cfg Config, store TaskStore, registry *HpkeConfigRegistry, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  noopMetrics{},
		sessions: make(map[dap.TrainingSessionId]*TrainingSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// peerEndpoint returns the internal DAP endpoint of the OTHER aggregator
// from role's point of view.
func (m *Manager) peerEndpoint(role dap.Role) string {
	if role == dap.RoleLeader {
		return m.cfg.HelperEndpoint
	}
	return m.cfg.LeaderEndpoint
}

// CreateSession implements create_session (spec.md Section 4.1): allocate
// or validate a session id, generate this Manager's per-session HPKE
// keypair, and store the session's parametrization.
func (m *Manager) CreateSession(ctx context.Context, req dap.CreateTrainingSessionRequest) (dap.TrainingSessionId, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := req.VdafParameter.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var id dap.TrainingSessionId
	if req.TrainingSessionId != nil {
		id = *req.TrainingSessionId
		if _, exists := m.sessions[id]; exists {
			return 0, fmt.Errorf("create session %s: %w", id, ErrSessionIdInUse)
		}
	} else {
		allocated, err := m.allocateSessionIdLocked()
		if err != nil {
			return 0, err
		}
		id = allocated
	}

	configID := ConfigIDForSession(uint16(id))
	keypair, err := m.registry.Get(configID)
	if err != nil {
		return 0, fmt.Errorf("create session %s: %w", id, err)
	}

	m.sessions[id] = &TrainingSession{
		ID:                  id,
		Role:                req.Role,
		VerifyKey:           req.VerifyKeyEncoded.Bytes(),
		CollectorHpkeConfig: req.CollectorHpkeConfig,
		CollectorAuthToken:  req.CollectorAuthTokenEncoded.Bytes(),
		LeaderAuthToken:     req.LeaderAuthTokenEncoded.Bytes(),
		HpkeKeypair:         keypair,
		VdafParameter:       req.VdafParameter,
	}

	m.metrics.RegisterSession(req.Role.String())
	m.logger.InfoContext(ctx, "training session created", "session_id", id.String(), "role", req.Role.String())
	return id, nil
}

// allocateSessionIdLocked finds an unused random session id. Callers must
// hold m.mu.
func (m *Manager) allocateSessionIdLocked() (dap.TrainingSessionId, error) {
	for attempt := 0; attempt < maxIdAllocAttempts; attempt++ {
		id, err := dap.RandomTrainingSessionId()
		if err != nil {
			return 0, fmt.Errorf("allocate session id: %w", err)
		}
		if _, exists := m.sessions[id]; !exists {
			return id, nil
		}
	}
	return 0, ErrSessionIdExhausted
}

// EndSession implements end_session. Per SPEC_FULL.md Section 4 (resolving
// spec.md Section 9's open question), ending an unknown session id
// succeeds as a no-op rather than erroring: repeated or racing end_session
// calls for the same id are then safely idempotent, matching abort_round's
// idempotency and the Controller's own retry behavior.
func (m *Manager) EndSession(ctx context.Context, id dap.TrainingSessionId) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	s, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		m.metrics.UnregisterSession(s.Role.String())
	}

	m.logger.InfoContext(ctx, "training session ended", "session_id", id.String())
	return nil
}

// sessionSnapshot copies the fields of a session needed to provision a
// task, without holding m.mu across the copy's use.
func (m *Manager) sessionSnapshot(id dap.TrainingSessionId) (TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return TrainingSession{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	snap := *s
	snap.Tasks = append([]dap.TaskId(nil), s.Tasks...)
	return snap, nil
}

// StartRound implements start_round (spec.md Section 4.1): materialize an
// AggregatorTask from the session's parametrization and idempotently
// upsert it into the TaskStore, then record the task id against the
// session.
func (m *Manager) StartRound(ctx context.Context, sessionID dap.TrainingSessionId, taskID dap.TaskId) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap, err := m.sessionSnapshot(sessionID)
	if err != nil {
		return err
	}

	instance, err := snap.VdafParameter.Instance()
	if err != nil {
		return fmt.Errorf("start round: %w", err)
	}

	task := AggregatorTask{
		ID:                  taskID,
		PeerEndpoint:        m.peerEndpoint(snap.Role),
		QueryType:           QueryTypeTimeInterval,
		VDAF:                instance,
		VerifyKey:           snap.VerifyKey,
		Role:                snap.Role,
		MaxBatchQueryCount:  MaxBatchQueryCount,
		MinBatchSize:        MinBatchSize,
		TimePrecision:       TimePrecision,
		TolerableClockSkew:  TolerableClockSkew,
		CollectorHpkeConfig: snap.CollectorHpkeConfig,
		HpkeKeypair:         snap.HpkeKeypair,
	}
	if snap.Role == dap.RoleLeader {
		task.LeaderAuthToken = snap.LeaderAuthToken
		task.CollectorAuthTokenHash = snap.CollectorAuthToken.Hash()
		task.HasCollectorAuthTokenHash = true
	} else {
		task.LeaderAuthTokenHash = snap.LeaderAuthToken.Hash()
		task.HasLeaderAuthTokenHash = true
	}

	// TaskStore I/O happens with no session lock held (spec.md Section 5:
	// locks are never held across network/datastore I/O).
	if err := m.store.Upsert(ctx, task); err != nil {
		return fmt.Errorf("start round: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		// The session was ended concurrently between the snapshot above
		// and re-acquiring the lock; the task is now orphaned in the
		// store but unreachable from any session, which is harmless.
		return fmt.Errorf("start round: session %s: %w", sessionID, ErrSessionNotFound)
	}
	if !s.hasTask(taskID) {
		s.Tasks = append(s.Tasks, taskID)
	}
	m.metrics.IncTasksProvisioned(snap.Role.String())
	return nil
}

// AbortRound implements abort_round (SPEC_FULL.md Section 4, extrapolating
// spec.md Section 9's suggested addition): remove a task id from a known
// session's task list. Removing an id not present in the session succeeds
// as a no-op, matching the idempotency spec.md already requires of
// end_session's sibling operations.
func (m *Manager) AbortRound(ctx context.Context, sessionID dap.TrainingSessionId, taskID dap.TaskId) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("abort round: session %s: %w", sessionID, ErrSessionNotFound)
	}
	filtered := s.Tasks[:0:0]
	for _, t := range s.Tasks {
		if t != taskID {
			filtered = append(filtered, t)
		}
	}
	s.Tasks = filtered
	m.metrics.IncTasksAborted(s.Role.String())
	return nil
}

// GetVdafParameter implements get_vdaf_parameter (spec.md Section 4.1):
// find the unique session containing taskID and return its VdafParameter.
func (m *Manager) GetVdafParameter(ctx context.Context, taskID dap.TaskId) (dap.VdafParameter, error) {
	if err := ctx.Err(); err != nil {
		return dap.VdafParameter{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var found *TrainingSession
	matches := 0
	for _, s := range m.sessions {
		if s.hasTask(taskID) {
			matches++
			found = s
		}
	}
	switch {
	case matches == 0:
		return dap.VdafParameter{}, fmt.Errorf("get vdaf parameter: task %s: %w", taskID, ErrTaskNotFound)
	case matches > 1:
		return dap.VdafParameter{}, fmt.Errorf("get vdaf parameter: task %s: %w", taskID, ErrTaskAmbiguous)
	default:
		return found.VdafParameter, nil
	}
}

// GetHpkeConfig implements get_hpke_config (spec.md Section 4.4 step (c)):
// find the unique session containing taskID and return this Manager's own
// per-session HPKE public config, the same keypair StartRound provisions
// into the session's AggregatorTask.
func (m *Manager) GetHpkeConfig(ctx context.Context, taskID dap.TaskId) (dap.HpkeConfig, error) {
	if err := ctx.Err(); err != nil {
		return dap.HpkeConfig{}, err
	}

	m.mu.Lock()
	var found *TrainingSession
	matches := 0
	for _, s := range m.sessions {
		if s.hasTask(taskID) {
			matches++
			found = s
		}
	}
	var keypair hpke.KeyPair
	if found != nil {
		keypair = found.HpkeKeypair
	}
	m.mu.Unlock()

	switch {
	case matches == 0:
		return dap.HpkeConfig{}, fmt.Errorf("get hpke config: task %s: %w", taskID, ErrTaskNotFound)
	case matches > 1:
		return dap.HpkeConfig{}, fmt.Errorf("get hpke config: task %s: %w", taskID, ErrTaskAmbiguous)
	}

	cfg, err := keypair.PublicConfig()
	if err != nil {
		return dap.HpkeConfig{}, fmt.Errorf("get hpke config: task %s: %w", taskID, err)
	}
	return dap.FromHpkeConfig(cfg), nil
}

// GetMainLocations implements get_main_locations (spec.md Section 4.1):
// the externally-advertised aggregator pair, unchanged across calls as
// long as configuration is stable (spec.md Section 8).
func (m *Manager) GetMainLocations() dap.GetMainLocationsResponse {
	return dap.GetMainLocationsResponse{
		ExternalLeader: m.cfg.MainLocations.Leader,
		ExternalHelper: m.cfg.MainLocations.Helper,
	}
}

// DefaultHpkeSuite is the HPKE suite a Manager uses for its per-session
// keypair, per spec.md Section 6: the Leader/Helper aggregator suite
// (AES-128-GCM), distinct from the Controller-facing collector suite
// (AES-256-GCM). Callers constructing an HpkeConfigRegistry for a Manager
// should pass this suite.
var DefaultHpkeSuite = hpke.ServerSuite
