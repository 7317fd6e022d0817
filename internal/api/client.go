package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
)

// StatusError is returned by Client for non-2xx answers.
type StatusError struct {
	StatusCode int
	Response   ErrorResponse
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Response.Error)
	for _, f := range e.Response.Fields {
		msg += "\n  " + f.Error()
	}
	return msg
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client talks to a vmpilot server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL ("http://host:port").
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit sends a request and returns its plan ID.
func (c *Client) Submit(ctx context.Context, req deployment.Request) (string, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/plans", req, &resp)
	return resp.PlanID, err
}

// Status fetches one plan.
func (c *Client) Status(ctx context.Context, planID string) (orchestrator.Status, error) {
	var st orchestrator.Status
	err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(planID), nil, &st)
	return st, err
}

// List fetches every plan.
func (c *Client) List(ctx context.Context) ([]orchestrator.Status, error) {
	var resp struct {
		Plans []orchestrator.Status `json:"plans"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/plans", nil, &resp)
	return resp.Plans, err
}

// Cancel asks a plan to stop.
func (c *Client) Cancel(ctx context.Context, planID string) error {
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(planID)+"/cancel", nil, nil)
}

// Approve resolves an escalated plan in favour.
func (c *Client) Approve(ctx context.Context, planID, reviewer, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(planID)+"/approve",
		ReviewRequest{Reviewer: reviewer, Reason: reason}, nil)
}

// Deny resolves an escalated plan against.
func (c *Client) Deny(ctx context.Context, planID, reviewer, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(planID)+"/deny",
		ReviewRequest{Reviewer: reviewer, Reason: reason}, nil)
}

// Audit fetches a request's trail.
func (c *Client) Audit(ctx context.Context, requestID string) ([]audit.Entry, error) {
	var resp struct {
		Entries []audit.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(requestID)+"/audit", nil, &resp)
	return resp.Entries, err
}

// Escalations lists plans waiting for a reviewer.
func (c *Client) Escalations(ctx context.Context) ([]escalation.Pending, error) {
	var resp struct {
		Pending []escalation.Pending `json:"pending"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/escalations", nil, &resp)
	return resp.Pending, err
}

// Reservations lists held identifiers and the free capacity per class.
func (c *Client) Reservations(ctx context.Context) ([]ledger.Reservation, map[deployment.IdentifierClass]int, error) {
	var resp struct {
		Reservations []ledger.Reservation               `json:"reservations"`
		Capacity     map[deployment.IdentifierClass]int `json:"capacity"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/reservations", nil, &resp)
	return resp.Reservations, resp.Capacity, err
}

// Inventory lists registered machines, optionally of one request.
func (c *Client) Inventory(ctx context.Context, requestID string) ([]remote.Handle, error) {
	var resp struct {
		Inventory []remote.Handle `json:"inventory"`
	}
	path := "/v1/inventory"
	if requestID != "" {
		path += "?request=" + url.QueryEscape(requestID)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Inventory, err
}

// Draft generates a request from a prompt and optionally submits it.
func (c *Client) Draft(ctx context.Context, body DraftRequest) (DraftResponse, error) {
	var resp DraftResponse
	err := c.do(ctx, http.MethodPost, "/v1/drafts", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach vmpilot server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		se := &StatusError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, &se.Response) != nil || se.Response.Error == "" {
			se.Response.Error = strings.TrimSpace(string(data))
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
