package queue

import (
	"context"

	"github.com/testbridge-io/testbridge/internal/tracker"
)

// RegisterTrackerKinds binds the built-in issue-tracker operation kinds to a
// tracker port.
//
// Update, comment, and link operations address an existing issue; the issue
// key travels in the operation's affinity key, which doubles as the grouping
// key for operations on the same issue.
func RegisterTrackerKinds(mux *KindMux, port tracker.Port) {
	mux.Register(KindCreateIssue, InvokerFunc(func(ctx context.Context, op *Operation) (any, error) {
		return port.CreateIssue(ctx, op.Payload)
	}))

	mux.Register(KindUpdateIssue, InvokerFunc(func(ctx context.Context, op *Operation) (any, error) {
		return port.UpdateIssue(ctx, op.AffinityKey, op.Payload)
	}))

	mux.Register(KindAddComment, InvokerFunc(func(ctx context.Context, op *Operation) (any, error) {
		return port.AddComment(ctx, op.AffinityKey, op.Payload)
	}))

	mux.Register(KindLinkIssues, InvokerFunc(func(ctx context.Context, op *Operation) (any, error) {
		return nil, port.Link(ctx, op.Payload)
	}))

	mux.Register(KindBulkCreate, InvokerFunc(func(ctx context.Context, op *Operation) (any, error) {
		return port.BulkCreate(ctx, op.Payload)
	}))
}
