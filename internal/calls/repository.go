package calls

import (
	"context"
	"time"
)

// Repository persists calls and the practice blocklist.
type Repository interface {
	Insert(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	FindByConversationID(ctx context.Context, conversationID string) (Call, error)
	// ListByUser returns newest first. No statuses means all.
	ListByUser(ctx context.Context, userID string, limit int, statuses ...Status) ([]Call, error)
	// ProjectedSeconds sums projected_seconds over the user's active calls.
	ProjectedSeconds(ctx context.Context, userID string) (int, error)
	HasOpenCall(ctx context.Context, userID, eID string) (bool, error)
	// Transition applies req atomically. ok is false when the call was no
	// longer in one of req.From.
	Transition(ctx context.Context, req TransitionRequest) (c Call, ok bool, err error)
	Update(ctx context.Context, id string, p Patch) error

	IsBlocked(ctx context.Context, eID string) (bool, error)
	Block(ctx context.Context, eID, reason string, at time.Time) error
}
