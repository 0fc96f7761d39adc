// Package manager implements the Manager's training-session state and DAP
// task provisioner (spec.md Section 4.1): the component that holds each
// training session's cryptographic parameters in memory and materializes
// DAP tasks into its local aggregator's datastore.
//
// The in-memory session map and its mutex discipline mirror the teacher's
// bfd.Manager: a single mutex guarding a map, short critical sections, and
// snapshot-then-release for anything handed back to a caller.
package manager

import (
	"time"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// Constants wire-visible per spec.md Section 6.
const (
	// MaxBatchQueryCount bounds how many times a single batch may be
	// collected.
	MaxBatchQueryCount = 10

	// MinBatchSize is the minimum number of reports in a collectable batch.
	MinBatchSize = 2

	// TimePrecision is the DAP time-interval bucket width.
	TimePrecision = 1 * time.Hour

	// TolerableClockSkew bounds how far a client's clock may drift from
	// the aggregator's.
	TolerableClockSkew = 1000 * time.Second
)

// QueryTypeTimeInterval is the only DAP query type this deployment uses
// (spec.md Section 4.1: "query type = TimeInterval").
const QueryTypeTimeInterval = "TimeInterval"

// TrainingSession is the Manager-side in-memory record for one training
// session (spec.md Section 3).
type TrainingSession struct {
	ID                  dap.TrainingSessionId
	Role                dap.Role
	VerifyKey           dap.BearerToken
	CollectorHpkeConfig dap.HpkeConfig
	CollectorAuthToken  dap.BearerToken
	LeaderAuthToken     dap.BearerToken
	HpkeKeypair         hpke.KeyPair
	VdafParameter       dap.VdafParameter

	// Tasks is the append-only, ordered sequence of task ids provisioned
	// into this session via start_round (spec.md Section 3: "most-recent
	// last").
	Tasks []dap.TaskId
}

// hasTask reports whether id is already present in s.Tasks.
func (s *TrainingSession) hasTask(id dap.TaskId) bool {
	for _, t := range s.Tasks {
		if t == id {
			return true
		}
	}
	return false
}

// AggregatorTask is the task materialized into the local aggregator's
// datastore by start_round (spec.md Section 4.1). The idempotent upsert
// compares exactly this subset of its fields for equality:
// {PeerEndpoint, QueryType, VDAF, VerifyKey, Role, MaxBatchQueryCount,
// TaskExpiration, MinBatchSize, TimePrecision, CollectorHpkeConfig} —
// auth token material is intentionally excluded from the comparison.
type AggregatorTask struct {
	ID                  dap.TaskId
	PeerEndpoint        string
	QueryType           string
	VDAF                vdaf.Prio3FixedPointBoundedL2VecSum
	VerifyKey           dap.BearerToken
	Role                dap.Role
	MaxBatchQueryCount  int
	TaskExpiration      *time.Time // nil means unbounded
	ReportExpiryAge     *time.Duration
	MinBatchSize        int
	TimePrecision       time.Duration
	TolerableClockSkew  time.Duration
	CollectorHpkeConfig dap.HpkeConfig
	HpkeKeypair         hpke.KeyPair

	// Role-specific authentication material (spec.md Section 4.1): the
	// Leader holds the raw leader_auth_token plus a hash of the collector
	// token; the Helper holds only a hash of the leader token.
	LeaderAuthToken           dap.BearerToken
	CollectorAuthTokenHash    [32]byte
	HasCollectorAuthTokenHash bool
	LeaderAuthTokenHash       [32]byte
	HasLeaderAuthTokenHash    bool
}

// EqualParameters reports whether two AggregatorTasks agree on the fields
// the idempotent upsert compares (spec.md Section 4.1). Auth tokens are
// deliberately excluded.
func (t AggregatorTask) EqualParameters(other AggregatorTask) bool {
	if t.PeerEndpoint != other.PeerEndpoint ||
		t.QueryType != other.QueryType ||
		t.VDAF != other.VDAF ||
		t.Role != other.Role ||
		t.MaxBatchQueryCount != other.MaxBatchQueryCount ||
		t.MinBatchSize != other.MinBatchSize ||
		t.TimePrecision != other.TimePrecision {
		return false
	}
	if !t.VerifyKey.Equal(other.VerifyKey) {
		return false
	}
	if !t.CollectorHpkeConfig.Equal(other.CollectorHpkeConfig) {
		return false
	}
	if (t.TaskExpiration == nil) != (other.TaskExpiration == nil) {
		return false
	}
	if t.TaskExpiration != nil && !t.TaskExpiration.Equal(*other.TaskExpiration) {
		return false
	}
	return true
}
