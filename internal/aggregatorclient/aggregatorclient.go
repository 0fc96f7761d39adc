// Package aggregatorclient models the boundary to the two DAP aggregators
// (Leader, Helper), which spec.md Section 1 places explicitly out of
// scope: "the DAP aggregators themselves (Leader/Helper implementing
// upload/aggregate/collect) ... HTTP transport and TLS ... does not
// implement DAP wire formats" are external collaborators. This package
// defines the Go interface this module uses to reach that collaborator
// (Upload, Collect) plus one reference HTTP implementation using a
// simple JSON report/collection format — NOT the real draft-ietf-ppm-dap
// wire format, which is explicitly out of this module's scope. A
// production deployment wires a DAP-conformant client (e.g. talking to
// Janus) behind the same Uploader/Collector interfaces.
package aggregatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
)

// Report is the reference wire report a Client uploads to one aggregator:
// the VDAF public share plus that aggregator's input share and the report
// nonce (spec.md Section 4.4: "upload shares to both aggregators via the
// DAP client library").
type Report struct {
	TaskId      dap.TaskId `json:"taskIdEncoded"`
	Nonce       [16]byte   `json:"nonce"`
	PublicShare []byte     `json:"publicShare"`
	InputShare  []byte     `json:"inputShare"`
}

// AggregateShare is one aggregator's sealed contribution to a collection
// response: an HPKE ciphertext the Controller opens with its own keypair.
type AggregateShare struct {
	EncapsulatedKey []byte `json:"encapsulatedKey"`
	Ciphertext      []byte `json:"ciphertext"`
}

// CollectionResult is the response to a collect query (spec.md Section
// 4.2): the report count and both aggregators' sealed aggregate shares,
// which the Controller opens and combines via the VDAF collector.
type CollectionResult struct {
	ReportCount  uint64         `json:"reportCount"`
	LeaderShare  AggregateShare `json:"leaderShare"`
	HelperShare  AggregateShare `json:"helperShare"`
}

// Uploader submits a report to one aggregator (spec.md Section 4.4).
type Uploader interface {
	Upload(ctx context.Context, aggregatorEndpoint string, report Report) error
}

// Collector queries the Leader aggregator's collect endpoint over a time
// interval (spec.md Section 4.2).
type Collector interface {
	Collect(ctx context.Context, leaderEndpoint string, taskID dap.TaskId, start, end time.Time) (CollectionResult, error)
}

// Client implements both Uploader and Collector over plain JSON/HTTP, as
// the reference stand-in described in the package doc.
type Client struct {
	httpClient *http.Client
}

// New constructs a Client. httpClient defaults to http.DefaultClient if nil.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient}
}

var _ Uploader = (*Client)(nil)
var _ Collector = (*Client)(nil)

// Upload implements Uploader.
func (c *Client) Upload(ctx context.Context, aggregatorEndpoint string, report Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	url := strings.TrimSuffix(aggregatorEndpoint, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload report to %s: %w", aggregatorEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upload report to %s: aggregator responded %d", aggregatorEndpoint, resp.StatusCode)
	}
	return nil
}

// collectQuery is the reference wire request for a collect call.
type collectQuery struct {
	TaskId dap.TaskId `json:"taskIdEncoded"`
	Start  time.Time  `json:"batchIntervalStart"`
	End    time.Time  `json:"batchIntervalEnd"`
}

// Collect implements Collector.
func (c *Client) Collect(ctx context.Context, leaderEndpoint string, taskID dap.TaskId, start, end time.Time) (CollectionResult, error) {
	raw, err := json.Marshal(collectQuery{TaskId: taskID, Start: start, End: end})
	if err != nil {
		return CollectionResult{}, fmt.Errorf("marshal collect query: %w", err)
	}

	url := strings.TrimSuffix(leaderEndpoint, "/") + "/collect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return CollectionResult{}, fmt.Errorf("build collect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CollectionResult{}, fmt.Errorf("collect from %s: %w", leaderEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return CollectionResult{}, fmt.Errorf("collect from %s: aggregator responded %d: %s", leaderEndpoint, resp.StatusCode, body)
	}

	var result CollectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return CollectionResult{}, fmt.Errorf("decode collection result from %s: %w", leaderEndpoint, err)
	}
	return result, nil
}
