package dap

// ManagerLocations is the pair of Manager session-API URLs (spec.md
// Section 3: "Manager{leader, helper}").
type ManagerLocations struct {
	Leader string
	Helper string
}

// MainLocations is the pair of DAP aggregator endpoint URLs (spec.md
// Section 3: "Main{leader, helper}").
type MainLocations struct {
	Leader string
	Helper string
}

// GetMainLocationsResponse is the wire body of GET /get_main_locations
// (spec.md Section 6).
type GetMainLocationsResponse struct {
	ExternalLeader string `json:"externalLeader"`
	ExternalHelper string `json:"externalHelper"`
}

// Equal reports whether two responses carry byte-identical URLs, the
// invariant spec.md Section 8 requires ("get_main_locations calls while
// config is stable: byte-identical responses").
func (r GetMainLocationsResponse) Equal(other GetMainLocationsResponse) bool {
	return r.ExternalLeader == other.ExternalLeader && r.ExternalHelper == other.ExternalHelper
}
