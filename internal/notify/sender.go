package notify

import (
	"context"

	"github.com/avolkhin/herald/internal/domain"
)

// Sender delivers a single notification over one channel. Send returns
// delivered=true only when receipt is confirmed at send time (an in-app
// push to a live connection); a plain hand-off to a provider returns
// delivered=false. Errors should be wrapped with queue.NewRetryableError
// or queue.NewNonRetryableError so the delivery queue can decide whether
// to schedule another attempt.
type Sender interface {
	Type() domain.Channel
	Send(ctx context.Context, target string, n *domain.Notification) (delivered bool, err error)
}

// Directory resolves a user's delivery address for a channel (email
// address, phone number, device token). A notification can bypass the
// directory by carrying an explicit "target" entry in its data.
type Directory interface {
	Target(ctx context.Context, userID string, channel domain.Channel) (string, error)
}
