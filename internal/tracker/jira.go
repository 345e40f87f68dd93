package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// JiraConfig holds the connection settings for a Jira Cloud or Data Center
// instance using basic authentication (email + API token).
type JiraConfig struct {
	BaseURL    string
	Username   string
	APIToken   string
	ProjectKey string

	// HTTPTimeout bounds individual REST calls. The queue applies its own
	// per-operation timeout on top of this.
	HTTPTimeout time.Duration
}

// JiraClient implements Port against the Jira REST API v2.
type JiraClient struct {
	config JiraConfig
	client *http.Client
}

// Compile-time interface check.
var _ Port = (*JiraClient)(nil)

// NewJiraClient creates a Jira-backed Port.
func NewJiraClient(config JiraConfig) *JiraClient {
	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &JiraClient{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// jiraIssueResponse is the subset of Jira's issue representation we consume.
type jiraIssueResponse struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Assignee struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
	} `json:"fields"`
}

func (r *jiraIssueResponse) toRef(fallbackProject string) *IssueRef {
	projectKey := r.Fields.Project.Key
	if projectKey == "" {
		projectKey = fallbackProject
	}

	return &IssueRef{
		ID:         r.ID,
		Key:        r.Key,
		ProjectKey: projectKey,
		Summary:    r.Fields.Summary,
		Status:     r.Fields.Status.Name,
		Priority:   r.Fields.Priority.Name,
		Type:       r.Fields.IssueType.Name,
		Assignee:   r.Fields.Assignee.DisplayName,
	}
}

// CreateIssue creates a new issue and returns its descriptor.
func (c *JiraClient) CreateIssue(ctx context.Context, payload json.RawMessage) (*IssueRef, error) {
	body, err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", payload)
	if err != nil {
		return nil, err
	}

	var resp jiraIssueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Code: "MALFORMED_RESPONSE", Message: fmt.Sprintf("decode create response: %v", err)}
	}

	return resp.toRef(c.config.ProjectKey), nil
}

// UpdateIssue applies field updates to an existing issue.
//
// Jira returns 204 with an empty body on update, so the descriptor is
// synthesized from the key rather than read back.
func (c *JiraClient) UpdateIssue(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error) {
	if key == "" {
		return nil, &Error{Code: "MISSING_KEY", Message: "update requires an issue key"}
	}

	if _, err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+key, payload); err != nil {
		return nil, err
	}

	return &IssueRef{Key: key, ProjectKey: c.config.ProjectKey}, nil
}

// AddComment appends a comment to an existing issue.
func (c *JiraClient) AddComment(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error) {
	if key == "" {
		return nil, &Error{Code: "MISSING_KEY", Message: "comment requires an issue key"}
	}

	if _, err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment", payload); err != nil {
		return nil, err
	}

	return &IssueRef{Key: key, ProjectKey: c.config.ProjectKey}, nil
}

// Link relates two issues.
func (c *JiraClient) Link(ctx context.Context, payload json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, "/rest/api/2/issueLink", payload)

	return err
}

// BulkCreate creates multiple issues in one call.
func (c *JiraClient) BulkCreate(ctx context.Context, payload json.RawMessage) ([]*IssueRef, error) {
	body, err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/bulk", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Issues []jiraIssueResponse `json:"issues"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Code: "MALFORMED_RESPONSE", Message: fmt.Sprintf("decode bulk response: %v", err)}
	}

	refs := make([]*IssueRef, 0, len(resp.Issues))
	for i := range resp.Issues {
		refs = append(refs, resp.Issues[i].toRef(c.config.ProjectKey))
	}

	return refs, nil
}

// do executes one REST call and maps failures onto *Error.
func (c *JiraClient) do(ctx context.Context, method, path string, payload json.RawMessage) ([]byte, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + path

	var reqBody io.Reader
	if len(payload) > 0 {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, &Error{Code: CodeNetworkError, Message: fmt.Sprintf("build request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.config.Username, c.config.APIToken)

	resp, err := c.client.Do(req)
	if err != nil {
		code := CodeNetworkError
		if strings.Contains(err.Error(), "connection reset") {
			code = CodeConnReset
		}

		return nil, &Error{Code: code, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: CodeConnReset, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	trackerErr := &Error{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(body)),
		Headers: map[string]string{},
	}
	if trackerErr.Message == "" {
		trackerErr.Message = resp.Status
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		trackerErr.Headers["Retry-After"] = retryAfter
	}

	return nil, trackerErr
}
