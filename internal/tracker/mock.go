package tracker

import (
	"context"
	"encoding/json"
)

// MockPort is a func-field mock implementation of Port for testing.
type MockPort struct {
	CreateIssueFunc func(ctx context.Context, payload json.RawMessage) (*IssueRef, error)
	UpdateIssueFunc func(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error)
	AddCommentFunc  func(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error)
	LinkFunc        func(ctx context.Context, payload json.RawMessage) error
	BulkCreateFunc  func(ctx context.Context, payload json.RawMessage) ([]*IssueRef, error)
}

// Compile-time interface check.
var _ Port = (*MockPort)(nil)

// CreateIssue implements Port.CreateIssue.
func (m *MockPort) CreateIssue(ctx context.Context, payload json.RawMessage) (*IssueRef, error) {
	if m.CreateIssueFunc != nil {
		return m.CreateIssueFunc(ctx, payload)
	}

	return &IssueRef{Key: "MOCK-1"}, nil
}

// UpdateIssue implements Port.UpdateIssue.
func (m *MockPort) UpdateIssue(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error) {
	if m.UpdateIssueFunc != nil {
		return m.UpdateIssueFunc(ctx, key, payload)
	}

	return &IssueRef{Key: key}, nil
}

// AddComment implements Port.AddComment.
func (m *MockPort) AddComment(ctx context.Context, key string, payload json.RawMessage) (*IssueRef, error) {
	if m.AddCommentFunc != nil {
		return m.AddCommentFunc(ctx, key, payload)
	}

	return &IssueRef{Key: key}, nil
}

// Link implements Port.Link.
func (m *MockPort) Link(ctx context.Context, payload json.RawMessage) error {
	if m.LinkFunc != nil {
		return m.LinkFunc(ctx, payload)
	}

	return nil
}

// BulkCreate implements Port.BulkCreate.
func (m *MockPort) BulkCreate(ctx context.Context, payload json.RawMessage) ([]*IssueRef, error) {
	if m.BulkCreateFunc != nil {
		return m.BulkCreateFunc(ctx, payload)
	}

	return []*IssueRef{}, nil
}
