package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/policy"
)

// Client calls a changeflow server. Failed calls return the server's
// engine error, and the change request it left behind when there is one.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Create submits an intent.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, "/v1/change-requests", req)
}

// Get fetches a change request.
func (c *Client) Get(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodGet, crPath(id, ""), nil)
}

// List returns the change requests of a workspace.
func (c *Client) List(ctx context.Context, tenantID, workspaceID string) ([]*engine.ChangeRequest, error) {
	q := url.Values{"tenant_id": {tenantID}, "workspace_id": {workspaceID}}
	var out struct {
		ChangeRequests []*engine.ChangeRequest `json:"change_requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/change-requests?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.ChangeRequests, nil
}

// Advance performs the next lifecycle step.
func (c *Client) Advance(ctx context.Context, id string) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, crPath(id, "advance"), struct{}{})
}

// Approve approves the current gate results.
func (c *Client) Approve(ctx context.Context, id string, req ApproveRequest) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, crPath(id, "approve"), req)
}

// Cancel cancels a change request.
func (c *Client) Cancel(ctx context.Context, id, actorID string) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, crPath(id, "cancel"), ActorRequest{ActorID: actorID})
}

// Amend creates an amended copy of a change request.
func (c *Client) Amend(ctx context.Context, id string, req AmendRequest) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, crPath(id, "amend"), req)
}

// RequestDestroy authorizes destruction of an applied change request.
func (c *Client) RequestDestroy(ctx context.Context, id, approverID string) (*engine.ChangeRequest, error) {
	return c.changeRequest(ctx, http.MethodPost, crPath(id, "destroy"), ActorRequest{ActorID: approverID})
}

// Runs lists the runs of a change request.
func (c *Client) Runs(ctx context.Context, id string) ([]*engine.Run, error) {
	var out struct {
		Runs []*engine.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, crPath(id, "runs"), nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Audit lists a tenant's audit records.
func (c *Client) Audit(ctx context.Context, tenantID string, filter engine.AuditFilter) ([]*engine.AuditRecord, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("requester_id", filter.RequesterID)
	set("workspace_id", filter.WorkspaceID)
	set("state", string(filter.State))
	set("kind", string(filter.Kind))
	set("change_request_id", filter.ChangeRequestID)
	if filter.Since != nil {
		set("since", filter.Since.Format(time.RFC3339))
	}
	if filter.Until != nil {
		set("until", filter.Until.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		set("limit", strconv.Itoa(filter.Limit))
	}

	path := "/v1/tenants/" + url.PathEscape(tenantID) + "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Records []*engine.AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Gates describes the server's gate sequence.
func (c *Client) Gates(ctx context.Context) ([]policy.GateInfo, error) {
	var out struct {
		Gates []policy.GateInfo `json:"gates"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/gates", nil, &out); err != nil {
		return nil, err
	}
	return out.Gates, nil
}

// Locks lists the recorded workspace locks.
func (c *Client) Locks(ctx context.Context) ([]*engine.WorkspaceLock, error) {
	var out struct {
		Locks []*engine.WorkspaceLock `json:"locks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/locks", nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

func crPath(id, action string) string {
	p := "/v1/change-requests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// changeRequest calls an operation answering with a change request. On
// failure the request from the error response is returned with the error.
func (c *Client) changeRequest(ctx context.Context, method, path string, body interface{}) (*engine.ChangeRequest, error) {
	var cr engine.ChangeRequest
	err := c.do(ctx, method, path, body, &cr)
	if err != nil {
		if re, ok := err.(*responseError); ok {
			return re.changeRequest, re.err
		}
		return nil, err
	}
	return &cr, nil
}

// responseError carries a decoded error response until changeRequest
// unpacks it.
type responseError struct {
	err           *engine.EngineError
	changeRequest *engine.ChangeRequest
}

func (e *responseError) Error() string { return e.err.Error() }
func (e *responseError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var er ErrorResponse
		if err := json.Unmarshal(data, &er); err != nil || er.Error.Code == "" {
			return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}
		return &responseError{
			err: &engine.EngineError{
				Class:    er.Error.Class,
				Code:     er.Error.Code,
				Message:  er.Error.Message,
				Reasons:  er.Error.Reasons,
				Resource: er.Error.Resource,
			},
			changeRequest: er.ChangeRequest,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
