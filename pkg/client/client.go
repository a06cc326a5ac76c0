package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/identity"
	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Client talks to a daemon's REST API. Errors come back as the engine's
// error kinds, so callers can use the errdefs predicates on them exactly
// as they would in-process.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken attaches a bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New builds a client for the daemon at baseURL, e.g.
// "http://localhost:8554".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, typically after Login.
func (c *Client) SetToken(token string) { c.token = token }

// Login authenticates and stores the issued token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*identity.AuthResult, error) {
	var result identity.AuthResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &result); err != nil {
		return nil, err
	}
	c.token = result.Token
	return &result, nil
}

// CreateDeployment plans and starts a deployment.
func (c *Client) CreateDeployment(ctx context.Context, req *orchestrator.Request) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", nil, req, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListDeployments returns workflows matching the filter.
func (c *Client) ListDeployments(ctx context.Context, filter types.WorkflowFilter) ([]*types.Workflow, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Strategy != "" {
		q.Set("strategy", string(filter.Strategy))
	}
	if filter.ServiceName != "" {
		q.Set("service", filter.ServiceName)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", fmt.Sprint(filter.Offset))
	}
	var workflows []*types.Workflow
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments", q, nil, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// GetDeployment fetches one workflow by id.
func (c *Client) GetDeployment(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(id), nil, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetDeploymentEvents returns the workflow's event timeline.
func (c *Client) GetDeploymentEvents(ctx context.Context, id string) ([]*types.WorkflowEvent, error) {
	var events []*types.WorkflowEvent
	path := "/api/v1/deployments/" + url.PathEscape(id) + "/events"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// PauseDeployment pauses a running workflow at its next phase boundary.
func (c *Client) PauseDeployment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(id)+"/pause", nil, nil, nil)
}

// ResumeDeployment resumes a paused workflow.
func (c *Client) ResumeDeployment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(id)+"/resume", nil, nil, nil)
}

// CancelDeployment cancels a workflow.
func (c *Client) CancelDeployment(ctx context.Context, id, reason string) error {
	path := "/api/v1/deployments/" + url.PathEscape(id) + "/cancel"
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason}, nil)
}

// RollbackDeployment rolls a workflow back, optionally to a specific
// version. The updated workflow is returned.
func (c *Client) RollbackDeployment(ctx context.Context, id, targetVersion, reason string) (*types.Workflow, error) {
	var wf types.Workflow
	path := "/api/v1/deployments/" + url.PathEscape(id) + "/rollback"
	body := map[string]string{"target_version": targetVersion, "reason": reason}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// DeploymentStatistics summarizes workflows between from and to.
func (c *Client) DeploymentStatistics(ctx context.Context, from, to time.Time) (*types.WorkflowStatistics, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(time.RFC3339))
	}
	var stats types.WorkflowStatistics
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/statistics", q, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Strategies lists the deployment strategies the daemon supports.
func (c *Client) Strategies(ctx context.Context) ([]types.StrategyInfo, error) {
	var infos []types.StrategyInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/strategies", nil, nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// OrchestratorHealth reports the engine's concurrency envelope.
func (c *Client) OrchestratorHealth(ctx context.Context, refresh bool) (*types.OrchestratorHealth, error) {
	q := url.Values{}
	if refresh {
		q.Set("refresh", "true")
	}
	var doc types.OrchestratorHealth
	if err := c.do(ctx, http.MethodGet, "/health/orchestrator", q, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListAlerts returns alerts matching the filter.
func (c *Client) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]*types.Alert, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Severity != "" {
		q.Set("severity", string(filter.Severity))
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.RuleID != "" {
		q.Set("rule_id", filter.RuleID)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprint(filter.Limit))
	}
	var alerts []*types.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", q, nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// GetAlert fetches one alert by id.
func (c *Client) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	var alert types.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts/"+url.PathEscape(id), nil, nil, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// AlertStatistics summarizes the current alert population.
func (c *Client) AlertStatistics(ctx context.Context) (*types.AlertStatistics, error) {
	var stats types.AlertStatistics
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts/statistics", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) alertAction(ctx context.Context, id, action, by, comment string) (*types.Alert, error) {
	var alert types.Alert
	path := "/api/v1/alerts/" + url.PathEscape(id) + "/" + action
	body := map[string]string{"by": by, "comment": comment}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// AcknowledgeAlert marks an active alert as being worked.
func (c *Client) AcknowledgeAlert(ctx context.Context, id, by, comment string) (*types.Alert, error) {
	return c.alertAction(ctx, id, "acknowledge", by, comment)
}

// ResolveAlert closes an alert.
func (c *Client) ResolveAlert(ctx context.Context, id, by, comment string) (*types.Alert, error) {
	return c.alertAction(ctx, id, "resolve", by, comment)
}

// EscalateAlert bumps an alert one escalation level.
func (c *Client) EscalateAlert(ctx context.Context, id, by, comment string) (*types.Alert, error) {
	return c.alertAction(ctx, id, "escalate", by, comment)
}

// SuppressAlert silences an alert for the duration.
func (c *Client) SuppressAlert(ctx context.Context, id string, d time.Duration, reason, by string) (*types.Alert, error) {
	var alert types.Alert
	path := "/api/v1/alerts/" + url.PathEscape(id) + "/suppress"
	body := map[string]string{"duration": d.String(), "reason": reason, "by": by}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// UnsuppressAlert reactivates a suppressed alert before its window ends.
func (c *Client) UnsuppressAlert(ctx context.Context, id string) (*types.Alert, error) {
	var alert types.Alert
	path := "/api/v1/alerts/" + url.PathEscape(id) + "/unsuppress"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// CommentAlert appends a comment to an alert's action history.
func (c *Client) CommentAlert(ctx context.Context, id, author, comment string) (*types.Alert, error) {
	var alert types.Alert
	path := "/api/v1/alerts/" + url.PathEscape(id) + "/comments"
	body := map[string]string{"author": author, "comment": comment}
	if err := c.do(ctx, http.MethodPost, path, nil, body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListRules returns alert rules, optionally including disabled ones.
func (c *Client) ListRules(ctx context.Context, includeDisabled bool) ([]*types.AlertRule, error) {
	q := url.Values{}
	if includeDisabled {
		q.Set("include_disabled", "true")
	}
	var rules []*types.AlertRule
	if err := c.do(ctx, http.MethodGet, "/api/v1/alert-rules", q, nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// GetRule fetches one alert rule.
func (c *Client) GetRule(ctx context.Context, id string) (*types.AlertRule, error) {
	var rule types.AlertRule
	if err := c.do(ctx, http.MethodGet, "/api/v1/alert-rules/"+url.PathEscape(id), nil, nil, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule registers a new alert rule.
func (c *Client) CreateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	var created types.AlertRule
	if err := c.do(ctx, http.MethodPost, "/api/v1/alert-rules", nil, rule, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateRule replaces a rule's definition.
func (c *Client) UpdateRule(ctx context.Context, rule *types.AlertRule) (*types.AlertRule, error) {
	var updated types.AlertRule
	path := "/api/v1/alert-rules/" + url.PathEscape(rule.ID)
	if err := c.do(ctx, http.MethodPut, path, nil, rule, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteRule removes a rule and resolves its open alerts.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/alert-rules/"+url.PathEscape(id), nil, nil, nil)
}

// SetRuleEnabled enables or disables a rule.
func (c *Client) SetRuleEnabled(ctx context.Context, id string, enabled bool) (*types.AlertRule, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var rule types.AlertRule
	path := "/api/v1/alert-rules/" + url.PathEscape(id) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DuplicateRule clones a rule into a disabled draft.
func (c *Client) DuplicateRule(ctx context.Context, id string) (*types.AlertRule, error) {
	var rule types.AlertRule
	path := "/api/v1/alert-rules/" + url.PathEscape(id) + "/duplicate"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListChannels returns the configured notification channels.
func (c *Client) ListChannels(ctx context.Context) ([]*types.NotificationChannel, error) {
	var channels []*types.NotificationChannel
	if err := c.do(ctx, http.MethodGet, "/api/v1/channels", nil, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// CreateChannel registers a notification channel.
func (c *Client) CreateChannel(ctx context.Context, ch *types.NotificationChannel) (*types.NotificationChannel, error) {
	var created types.NotificationChannel
	if err := c.do(ctx, http.MethodPost, "/api/v1/channels", nil, ch, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteChannel removes a notification channel.
func (c *Client) DeleteChannel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/channels/"+url.PathEscape(id), nil, nil, nil)
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// do runs one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errdefs.Internalf("encoding request: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return errdefs.Internalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.DependencyUnavailablef("calling %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.Internalf("decoding response: %v", err)
	}
	return nil
}

// decodeError reconstructs an engine error from the envelope so the
// errdefs predicates work on client-side errors.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var envelope errorEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Message == "" {
		return errdefs.Internalf("unexpected response %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	msg := envelope.Error.Message
	switch envelope.Error.Kind {
	case "not_found":
		return errdefs.NotFoundf("%s", msg)
	case "invalid_state":
		return errdefs.InvalidStatef("%s", msg)
	case "invalid_configuration":
		return errdefs.InvalidConfigurationf("%s", msg)
	case "permission_denied":
		return errdefs.PermissionDeniedf("%s", msg)
	case "lease_unavailable":
		return errdefs.LeaseUnavailablef("%s", msg)
	case "timeout":
		return errdefs.Timeoutf("%s", msg)
	case "dependency_unavailable":
		return errdefs.DependencyUnavailablef("%s", msg)
	}
	return errdefs.Internalf("%s", msg)
}
