package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.Handler) (*JiraClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	client := NewJiraClient(JiraConfig{
		BaseURL:    server.URL,
		Username:   "qa@example.com",
		APIToken:   "token",
		ProjectKey: "QA",
	})

	return client, server
}

func TestJiraClient_CreateIssue(t *testing.T) {
	var gotPath, gotAuth string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10042","key":"QA-7","fields":{"summary":"login fails","status":{"name":"Open"}}}`))
	}))
	defer server.Close()

	ref, err := client.CreateIssue(context.Background(), json.RawMessage(`{"fields":{"summary":"login fails"}}`))
	require.NoError(t, err)

	assert.Equal(t, "/rest/api/2/issue", gotPath)
	assert.NotEmpty(t, gotAuth, "basic auth header should be set")
	assert.Equal(t, "10042", ref.ID)
	assert.Equal(t, "QA-7", ref.Key)
	assert.Equal(t, "QA", ref.ProjectKey, "project key falls back to config when absent from response")
	assert.Equal(t, "login fails", ref.Summary)
	assert.Equal(t, "Open", ref.Status)
}

func TestJiraClient_UpdateIssue(t *testing.T) {
	var gotMethod, gotPath string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ref, err := client.UpdateIssue(context.Background(), "QA-7", json.RawMessage(`{"fields":{"priority":{"name":"High"}}}`))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/rest/api/2/issue/QA-7", gotPath)
	assert.Equal(t, "QA-7", ref.Key)
}

func TestJiraClient_UpdateIssue_MissingKey(t *testing.T) {
	client := NewJiraClient(JiraConfig{BaseURL: "http://unused.invalid"})

	_, err := client.UpdateIssue(context.Background(), "", json.RawMessage(`{}`))
	require.Error(t, err)

	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, "MISSING_KEY", trackerErr.Code)
	assert.False(t, IsRetryable(trackerErr))
}

func TestJiraClient_AddComment(t *testing.T) {
	var gotPath string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5001"}`))
	}))
	defer server.Close()

	ref, err := client.AddComment(context.Background(), "QA-7", json.RawMessage(`{"body":"still failing"}`))
	require.NoError(t, err)

	assert.Equal(t, "/rest/api/2/issue/QA-7/comment", gotPath)
	assert.Equal(t, "QA-7", ref.Key)
}

func TestJiraClient_Link(t *testing.T) {
	var gotPath string

	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := client.Link(context.Background(), json.RawMessage(`{"type":{"name":"Relates"},"inwardIssue":{"key":"QA-7"},"outwardIssue":{"key":"QA-9"}}`))
	require.NoError(t, err)
	assert.Equal(t, "/rest/api/2/issueLink", gotPath)
}

func TestJiraClient_BulkCreate(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issues":[{"id":"1","key":"QA-1"},{"id":"2","key":"QA-2"}]}`))
	}))
	defer server.Close()

	refs, err := client.BulkCreate(context.Background(), json.RawMessage(`{"issueUpdates":[]}`))
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "QA-1", refs[0].Key)
	assert.Equal(t, "QA-2", refs[1].Key)
}

func TestJiraClient_RateLimitResponse(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limit exceeded`))
	}))
	defer server.Close()

	_, err := client.CreateIssue(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.Equal(t, http.StatusTooManyRequests, trackerErr.Status)
	assert.True(t, IsRateLimit(trackerErr))
	assert.Equal(t, 42*time.Second, RetryAfter(trackerErr, time.Minute))
}

func TestJiraClient_ServerErrorIsRetryable(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := client.CreateIssue(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	assert.False(t, IsRateLimit(err))
	assert.True(t, IsRetryable(err))
}

func TestJiraClient_ClientErrorIsFatal(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorMessages":["summary is required"]}`))
	}))
	defer server.Close()

	_, err := client.CreateIssue(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	assert.False(t, IsRateLimit(err))
	assert.False(t, IsRetryable(err))
}

func TestJiraClient_NetworkError(t *testing.T) {
	client := NewJiraClient(JiraConfig{
		BaseURL:     "http://127.0.0.1:1", // nothing listens here
		HTTPTimeout: time.Second,
	})

	_, err := client.CreateIssue(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var trackerErr *Error
	require.ErrorAs(t, err, &trackerErr)
	assert.True(t, IsRetryable(trackerErr))
}
