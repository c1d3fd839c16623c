package actionqueuesdk

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
)

// Client is a minimal action queue HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// Role selects the acting role when a credential carries several.
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Impact struct {
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
	Unit   string  `json:"unit,omitempty"`
}

// Proposal is the body of a submission.
type Proposal struct {
	Producer       string         `json:"producer,omitempty"`
	Kind           string         `json:"kind"`
	Target         string         `json:"target"`
	DraftPayload   map[string]any `json:"draft_payload"`
	Evidence       []string       `json:"evidence,omitempty"`
	ExpectedImpact Impact         `json:"expected_impact"`
	Confidence     float64        `json:"confidence"`
	Ease           string         `json:"ease"`
	RiskTier       string         `json:"risk_tier"`
	FreshnessLabel string         `json:"freshness_label,omitempty"`
	CanExecute     bool           `json:"can_execute,omitempty"`
	RollbackPlan   string         `json:"rollback_plan,omitempty"`
}

// Action represents the API action model (partial).
type Action struct {
	ID                string         `json:"id"`
	Producer          string         `json:"producer"`
	Kind              string         `json:"kind"`
	Target            string         `json:"target"`
	State             string         `json:"state"`
	Score             float64        `json:"score"`
	ScoreVersion      string         `json:"score_version"`
	CanExecute        bool           `json:"can_execute"`
	DispatchStatus    string         `json:"dispatch_status"`
	DispatchAttempts  int            `json:"dispatch_attempts"`
	LastDispatchError string         `json:"last_dispatch_error,omitempty"`
	ExecutionResult   map[string]any `json:"execution_result,omitempty"`
	RejectReason      string         `json:"reject_reason,omitempty"`
	Revision          int64          `json:"revision"`
	Retryable         bool           `json:"retryable"`
	RollbackRequired  bool           `json:"rollback_required"`
	NeedsReconcile    bool           `json:"needs_reconcile"`
	CreatedAt         string         `json:"created_at"`
}

// Event represents a ledger entry.
type Event struct {
	Seq        int64          `json:"seq"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	ActionID   string         `json:"action_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Hash       string         `json:"hash"`
}

// VerifyReport is the ledger verification result.
type VerifyReport struct {
	Valid          bool   `json:"valid"`
	EventsChecked  int    `json:"events_checked"`
	ActionsChecked int    `json:"actions_checked"`
	HeadHash       string `json:"head_hash"`
}

// ListFilter narrows List.
type ListFilter struct {
	State    string
	Producer string
	Kind     string
	Limit    int
	Offset   int
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit proposes an action. A non-empty requestKey makes retries safe.
func (c *Client) Submit(ctx context.Context, p Proposal, requestKey string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions", p, &resp, idempotency(requestKey))
	return resp, err
}

func (c *Client) Get(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// List returns actions matching f.
func (c *Client) List(ctx context.Context, f ListFilter) ([]Action, error) {
	q := url.Values{}
	setQuery(q, "state", f.State)
	setQuery(q, "producer", f.Producer)
	setQuery(q, "kind", f.Kind)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("actions", q), nil, &resp)
	return resp.Items, err
}

// Top returns the n highest ranked pending actions.
func (c *Client) Top(ctx context.Context, n int) ([]Action, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("actions/top", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Approve(ctx context.Context, id, note, requestKey string) (Action, error) {
	return c.transition(ctx, id, "approve", map[string]any{"note": note}, requestKey)
}

func (c *Client) Reject(ctx context.Context, id, reason, requestKey string) (Action, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason}, requestKey)
}

// Dispatch executes an approved action. On a dispatch failure the returned
// error is an *APIError with status 502.
func (c *Client) Dispatch(ctx context.Context, id string) (Action, error) {
	return c.transition(ctx, id, "dispatch", nil, "")
}

func (c *Client) Retry(ctx context.Context, id, note, requestKey string) (Action, error) {
	return c.transition(ctx, id, "retry", map[string]any{"note": note}, requestKey)
}

// RecordOutcome reports the realized outcome of an audited action.
func (c *Client) RecordOutcome(ctx context.Context, id string, success bool, roi float64, notes string) (Action, error) {
	return c.transition(ctx, id, "outcome", map[string]any{"success": success, "realized_roi": roi, "notes": notes}, "")
}

func (c *Client) transition(ctx context.Context, id, op string, body any, requestKey string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("actions/%s/%s", url.PathEscape(id), op)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp, idempotency(requestKey))
	return resp, err
}

// Events returns an action's ledger events.
func (c *Client) Events(ctx context.Context, actionID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("actions/%s/events", url.PathEscape(actionID)), nil, &resp)
	return resp.Items, err
}

// VerifyLedger asks the server to verify the hash chain.
func (c *Client) VerifyLedger(ctx context.Context) (VerifyReport, error) {
	var resp VerifyReport
	err := c.do(ctx, http.MethodGet, "ledger/verify", nil, &resp)
	return resp, err
}

type header struct{ key, value string }

func idempotency(key string) header {
	return header{"Idempotency-Key", key}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, headers ...header) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.Role != "" {
		req.Header.Set("X-Actor-Role", c.Role)
	}
	for _, h := range headers {
		if h.value != "" {
			req.Header.Set(h.key, h.value)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
