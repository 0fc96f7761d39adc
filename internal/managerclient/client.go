// Package managerclient is the shared HTTP client the Controller and
// Client use to talk to a Manager's session API (spec.md Section 6). It
// plays the role the teacher's bfdv1connect.BfdServiceClient played for
// gobfdctl, adapted to plain JSON-over-HTTP since the DAP wire format
// mandates that rather than a generated RPC stub.
package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
)

// Client calls one Manager's session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client targeting baseURL (e.g. "https://manager.example/").
// httpClient defaults to http.DefaultClient if nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// Error is returned when a Manager responds with an application/problem+json
// error body. Callers that need to distinguish error categories should
// inspect Status.
type Error struct {
	Status   int
	Document dap.ProblemDocument
}

func (e *Error) Error() string {
	return fmt.Sprintf("manager responded %d: %s", e.Status, e.Document.Detail)
}

// CreateSession calls POST /create_session.
func (c *Client) CreateSession(ctx context.Context, req dap.CreateTrainingSessionRequest) (dap.TrainingSessionId, error) {
	var resp dap.CreateTrainingSessionResponse
	if err := c.post(ctx, "/create_session", req, &resp); err != nil {
		return 0, err
	}
	return resp.TrainingSessionId, nil
}

// EndSession calls POST /end_session.
func (c *Client) EndSession(ctx context.Context, id dap.TrainingSessionId) error {
	return c.post(ctx, "/end_session", dap.EndSessionRequest{TrainingSessionId: id}, &dap.EndSessionResponse{})
}

// StartRound calls POST /start_round.
func (c *Client) StartRound(ctx context.Context, sessionID dap.TrainingSessionId, taskID dap.TaskId) error {
	req := dap.StartRoundRequest{TrainingSessionId: sessionID, TaskIdEncoded: taskID}
	return c.post(ctx, "/start_round", req, &dap.StartRoundResponse{})
}

// AbortRound calls POST /abort_round.
func (c *Client) AbortRound(ctx context.Context, sessionID dap.TrainingSessionId, taskID dap.TaskId) error {
	req := dap.AbortRoundRequest{TrainingSessionId: sessionID, TaskIdEncoded: taskID}
	return c.post(ctx, "/abort_round", req, &dap.AbortRoundResponse{})
}

// GetVdafParameter calls POST /get_vdaf_parameter.
func (c *Client) GetVdafParameter(ctx context.Context, taskID dap.TaskId) (dap.VdafParameter, error) {
	var resp dap.GetVdafParameterResponse
	if err := c.post(ctx, "/get_vdaf_parameter", dap.GetVdafParameterRequest{TaskIdEncoded: taskID}, &resp); err != nil {
		return dap.VdafParameter{}, err
	}
	return resp.VdafParameter, nil
}

// GetHpkeConfig calls POST /get_hpke_config.
func (c *Client) GetHpkeConfig(ctx context.Context, taskID dap.TaskId) (dap.HpkeConfig, error) {
	var resp dap.GetHpkeConfigResponse
	if err := c.post(ctx, "/get_hpke_config", dap.GetHpkeConfigRequest{TaskIdEncoded: taskID}, &resp); err != nil {
		return dap.HpkeConfig{}, err
	}
	return resp.HpkeConfig, nil
}

// GetMainLocations calls GET /get_main_locations.
func (c *Client) GetMainLocations(ctx context.Context) (dap.GetMainLocationsResponse, error) {
	var resp dap.GetMainLocationsResponse
	if err := c.get(ctx, "/get_main_locations", &resp); err != nil {
		return dap.GetMainLocationsResponse{}, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var doc dap.ProblemDocument
		raw, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			_ = json.Unmarshal(raw, &doc)
		}
		return &Error{Status: resp.StatusCode, Document: doc}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}
