// Package client implements the Client role (spec.md Section 4.4): the
// per-round acquisition of VDAF parameters and typed gradient upload that
// many client devices perform each round.
package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"

	"github.com/dpsa4fl/dpsa4fl-go/internal/aggregatorclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/managerclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
)

// ErrVdafParameterDisagreement indicates the two Managers returned
// different VdafParameters for the same task id (spec.md Section 8
// scenario 6: "leader and helper have different vdaf params").
var ErrVdafParameterDisagreement = errors.New("leader and helper have different vdaf params")

// ErrMainLocationsDisagreement indicates the two Managers returned
// different get_main_locations responses.
var ErrMainLocationsDisagreement = errors.New("leader and helper managers disagree on main locations")

// RoundSettings names the task a Client should submit to this round
// (spec.md Section 4.4: submit is parameterized by round_settings).
type RoundSettings struct {
	ManagerLocations dap.ManagerLocations
	TaskId           dap.TaskId

	// ShouldRequestHpkeConfig controls whether a re-run of
	// UpdateRoundSettings from state Valid refreshes the cached HPKE
	// configs (spec.md Section 4.4: "subsequent calls in Valid may or
	// may not refresh HPKE depending on round_settings.
	// should_request_hpke_config"). The first call from Uninit always
	// acquires HPKE configs regardless of this field.
	ShouldRequestHpkeConfig bool
}

// parametrization is the cached result of update_round_settings: what a
// Valid Client needs to shard and upload a measurement (spec.md Section
// 4.4: "Cache {parametrization, http_client, round_config}").
type parametrization struct {
	taskId        dap.TaskId
	mainLocations dap.MainLocations
	vdafParameter dap.VdafParameter
	instance      vdaf.Prio3FixedPointBoundedL2VecSum
	leaderHpke    dap.HpkeConfig
	helperHpke    dap.HpkeConfig
}

// State is the Client's lifecycle state (spec.md Section 4.4: Uninit /
// Valid).
type State struct {
	httpClient *http.Client
	aggClient  aggregatorclient.Uploader

	param *parametrization
}

// New constructs a Client in state Uninit. httpClient defaults to
// http.DefaultClient if nil.
func New(httpClient *http.Client) *State {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &State{httpClient: httpClient, aggClient: aggregatorclient.New(httpClient)}
}

// IsValid reports whether update_round_settings has successfully
// initialized the client for the current round settings.
func (s *State) IsValid() bool {
	return s.param != nil
}

// UpdateRoundSettings implements update_round_settings (spec.md Section
// 4.4): (a) both Managers must agree on get_main_locations; (b) both
// Managers must agree on get_vdaf_parameter for the task id; (c) acquire
// HPKE configs for both aggregators (skipped, reusing the cached pair,
// when already Valid and settings.ShouldRequestHpkeConfig is false); (d)
// cache {parametrization, http_client, round_config} and transition to
// Valid.
//
// The first call from Uninit always performs the full sequence including
// (c); a call from Valid refreshes HPKE configs only when
// settings.ShouldRequestHpkeConfig is set, otherwise it carries the
// previously-cached leaderHpke/helperHpke forward unchanged — mirroring
// the reference client's get__next_round_config, which either re-fetches
// CryptoConfig or copies it from the prior round's state.
func (s *State) UpdateRoundSettings(ctx context.Context, settings RoundSettings) error {
	leaderMgr := managerclient.New(settings.ManagerLocations.Leader, s.httpClient)
	helperMgr := managerclient.New(settings.ManagerLocations.Helper, s.httpClient)

	leaderLocs, err := leaderMgr.GetMainLocations(ctx)
	if err != nil {
		return fmt.Errorf("update round settings: get main locations from leader: %w", err)
	}
	helperLocs, err := helperMgr.GetMainLocations(ctx)
	if err != nil {
		return fmt.Errorf("update round settings: get main locations from helper: %w", err)
	}
	if !leaderLocs.Equal(helperLocs) {
		return fmt.Errorf("update round settings: %w", ErrMainLocationsDisagreement)
	}

	leaderParam, err := leaderMgr.GetVdafParameter(ctx, settings.TaskId)
	if err != nil {
		return fmt.Errorf("update round settings: get vdaf parameter from leader: %w", err)
	}
	helperParam, err := helperMgr.GetVdafParameter(ctx, settings.TaskId)
	if err != nil {
		return fmt.Errorf("update round settings: get vdaf parameter from helper: %w", err)
	}
	if !leaderParam.Equal(helperParam) {
		return fmt.Errorf("update round settings: %w", ErrVdafParameterDisagreement)
	}

	instance, err := leaderParam.Instance()
	if err != nil {
		return fmt.Errorf("update round settings: %w", err)
	}

	leaderHpke, helperHpke := dap.HpkeConfig{}, dap.HpkeConfig{}
	if s.param == nil || settings.ShouldRequestHpkeConfig {
		leaderHpke, err = leaderMgr.GetHpkeConfig(ctx, settings.TaskId)
		if err != nil {
			return fmt.Errorf("update round settings: get hpke config from leader: %w", err)
		}
		helperHpke, err = helperMgr.GetHpkeConfig(ctx, settings.TaskId)
		if err != nil {
			return fmt.Errorf("update round settings: get hpke config from helper: %w", err)
		}
	} else {
		leaderHpke, helperHpke = s.param.leaderHpke, s.param.helperHpke
	}

	s.param = &parametrization{
		taskId:        settings.TaskId,
		mainLocations: dap.MainLocations{Leader: leaderLocs.ExternalLeader, Helper: leaderLocs.ExternalHelper},
		vdafParameter: leaderParam,
		instance:      instance,
		leaderHpke:    leaderHpke,
		helperHpke:    helperHpke,
	}
	return nil
}

// Submit implements submit (spec.md Section 4.4): update_round_settings,
// then validate and shard the measurement produced by getData and upload
// shares to both aggregators.
//
// Validation (length, type tag) happens after the Manager round trips of
// update_round_settings and before any upload to the aggregators; upload
// failure to
// either aggregator is surfaced rather than silently tolerated, even
// though DAP semantics tolerate a partial submission (spec.md Section 7).
func (s *State) Submit(ctx context.Context, settings RoundSettings, getData func() (vdaf.VecFixedAny, error)) error {
	if err := s.UpdateRoundSettings(ctx, settings); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	measurement, err := getData()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if measurement.Len() != s.param.vdafParameter.GradientLen {
		return fmt.Errorf("submit: %w", newLengthError(measurement.Len(), s.param.vdafParameter.GradientLen))
	}
	if err := vdaf.CheckTag(measurement, s.param.vdafParameter.SubmissionType); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("submit: generate nonce: %w", err)
	}

	// The reference VDAF factory ignores the verify key on the client side
	// (see vdaf.ReferencePrio3Factory), so an all-zero key of the instance's
	// verify-key length is passed to satisfy NewPrio3Client's length check;
	// production deployments thread a real factory, and the verify key,
	// through an equivalent call.
	verifyKey := make([]byte, s.param.instance.VerifyKeyLength())
	shares, publicShare, err := vdaf.ShardWithReference(measurement, s.param.instance, verifyKey, nonce)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if len(shares) != vdaf.NumAggregators {
		return fmt.Errorf("submit: sharded into %d shares, want %d", len(shares), vdaf.NumAggregators)
	}

	leaderReport := aggregatorclient.Report{TaskId: s.param.taskId, Nonce: nonce, PublicShare: publicShare, InputShare: shares[0]}
	helperReport := aggregatorclient.Report{TaskId: s.param.taskId, Nonce: nonce, PublicShare: publicShare, InputShare: shares[1]}

	if err := s.aggClient.Upload(ctx, s.param.mainLocations.Leader, leaderReport); err != nil {
		return fmt.Errorf("submit: upload to leader: %w", err)
	}
	if err := s.aggClient.Upload(ctx, s.param.mainLocations.Helper, helperReport); err != nil {
		return fmt.Errorf("submit: upload to helper: %w", err)
	}
	return nil
}

// newLengthError matches the wire error text spec.md Section 8 scenario 2
// requires: "Expected data to have length %d but it was %d".
func newLengthError(got, want int) error {
	return fmt.Errorf("Expected data to have length %d but it was %d", want, got)
}
