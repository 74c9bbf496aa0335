package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to a flotilla node.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	PeerAddr string // This peer's fleet address, e.g. "0x..."
}

// FleetClient is a pure HTTP client for the flotilla node API.
type FleetClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFleetClient creates a new client for a flotilla node.
func NewFleetClient(cfg Config) *FleetClient {
	return &FleetClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the node.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the node and returns the response body.
func (c *FleetClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Peer-Address", c.cfg.PeerAddr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// IssueTicket creates a conditional escrow ticket funded by this peer.
func (c *FleetClient) IssueTicket(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/tickets", nil, body)
}

// GetTicket fetches a ticket by ID.
func (c *FleetClient) GetTicket(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tickets/"+id, nil, nil)
}

// PresentTicket redeems a ticket with unlock proofs.
func (c *FleetClient) PresentTicket(ctx context.Context, id string, signatures []string, preimage string) (json.RawMessage, error) {
	body := map[string]any{"signatures": signatures}
	if preimage != "" {
		body["preimage"] = preimage
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tickets/"+id+"/present", nil, body)
}

// ReclaimTicket returns an expired ticket's escrow to the payer.
func (c *FleetClient) ReclaimTicket(ctx context.Context, id, signature string) (json.RawMessage, error) {
	body := map[string]string{"signature": signature}
	return c.doRequest(ctx, http.MethodPost, "/v1/tickets/"+id+"/reclaim", nil, body)
}

// GetBalance returns a peer's internal ledger balance.
func (c *FleetClient) GetBalance(ctx context.Context, peerAddr string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/peers/"+peerAddr+"/balance", nil, nil)
}

// ListWindowObligations lists obligations recorded in a settlement window.
func (c *FleetClient) ListWindowObligations(ctx context.Context, windowID, status string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/windows/"+windowID+"/obligations", q, nil)
}

// ProposeNetting opens a multilateral netting proposal for a window.
func (c *FleetClient) ProposeNetting(ctx context.Context, windowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/windows/"+windowID+"/propose", nil, nil)
}

// AckNetting acknowledges a netting proposal with this peer's computed digest.
func (c *FleetClient) AckNetting(ctx context.Context, proposalID, digest, signature string) (json.RawMessage, error) {
	body := map[string]string{
		"peerAddress":    c.cfg.PeerAddr,
		"computedDigest": digest,
		"signature":      signature,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/netting/proposals/"+proposalID+"/ack", nil, body)
}

// GetBond returns a peer's posted settlement bond.
func (c *FleetClient) GetBond(ctx context.Context, peerAddr string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/peers/"+peerAddr+"/bond", nil, nil)
}

// FileDispute challenges an obligation and opens arbitration.
func (c *FleetClient) FileDispute(ctx context.Context, obligationID, respondent, evidence, seed string, claimedSlash int64) (json.RawMessage, error) {
	body := map[string]any{
		"obligationId": obligationID,
		"filer":        c.cfg.PeerAddr,
		"respondent":   respondent,
		"evidence":     evidence,
		"claimedSlash": claimedSlash,
		"seed":         seed,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body)
}
