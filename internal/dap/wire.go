package dap

// This file collects the JSON request/response envelopes of spec.md
// Section 6. Field names are camelCase to match the wire format exactly;
// Go field names match the teacher's convention of naming the exported
// field after the wire key with initialisms preserved (Id, not ID, to
// mirror "trainingSessionId").

// CreateTrainingSessionRequest is the body of POST /create_session.
type CreateTrainingSessionRequest struct {
	TrainingSessionId         *TrainingSessionId `json:"trainingSessionId,omitempty"`
	Role                      Role               `json:"role"`
	VerifyKeyEncoded          B64URLToken        `json:"verifyKeyEncoded"`
	CollectorHpkeConfig       HpkeConfig         `json:"collectorHpkeConfig"`
	CollectorAuthTokenEncoded B64URLToken        `json:"collectorAuthTokenEncoded"`
	LeaderAuthTokenEncoded    RawToken           `json:"leaderAuthTokenEncoded"`
	VdafParameter             VdafParameter      `json:"vdafParameter"`
}

// CreateTrainingSessionResponse is the body of a successful POST /create_session.
type CreateTrainingSessionResponse struct {
	TrainingSessionId TrainingSessionId `json:"trainingSessionId"`
}

// EndSessionRequest is the body of POST /end_session.
type EndSessionRequest struct {
	TrainingSessionId TrainingSessionId `json:"trainingSessionId"`
}

// EndSessionResponse is the (empty) body of a successful POST /end_session.
type EndSessionResponse struct{}

// StartRoundRequest is the body of POST /start_round.
type StartRoundRequest struct {
	TrainingSessionId TrainingSessionId `json:"trainingSessionId"`
	TaskIdEncoded     TaskId            `json:"taskIdEncoded"`
}

// StartRoundResponse is the (empty) body of a successful POST /start_round.
type StartRoundResponse struct{}

// AbortRoundRequest is the body of POST /abort_round (spec.md Section 9's
// suggested addition, implemented per SPEC_FULL.md Section 4).
type AbortRoundRequest struct {
	TrainingSessionId TrainingSessionId `json:"trainingSessionId"`
	TaskIdEncoded     TaskId            `json:"taskIdEncoded"`
}

// AbortRoundResponse is the (empty) body of a successful POST /abort_round.
type AbortRoundResponse struct{}

// GetVdafParameterRequest is the body of POST /get_vdaf_parameter.
type GetVdafParameterRequest struct {
	TaskIdEncoded TaskId `json:"taskIdEncoded"`
}

// GetVdafParameterResponse is the body of a successful POST /get_vdaf_parameter.
type GetVdafParameterResponse struct {
	VdafParameter VdafParameter `json:"vdafParameter"`
}

// GetHpkeConfigRequest is the body of POST /get_hpke_config (spec.md
// Section 4.4 step (c): "Acquire HPKE configs for both aggregators").
type GetHpkeConfigRequest struct {
	TaskIdEncoded TaskId `json:"taskIdEncoded"`
}

// GetHpkeConfigResponse is the body of a successful POST /get_hpke_config:
// this Manager's own per-session HPKE public config, generated and cached
// by its HpkeConfigRegistry.
type GetHpkeConfigResponse struct {
	HpkeConfig HpkeConfig `json:"hpkeConfig"`
}

// ProblemDocument is the error body of every Manager error response, media
// type application/problem+json (spec.md Section 6). The status is 400 for
// malformed or invalid input, 404 for an unknown session or task, 409 for
// a session id in use or a task parameter mismatch, and 500 otherwise.
type ProblemDocument struct {
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
	TaskId   string `json:"taskid,omitempty"`
}
