package reflection

import (
	"context"
	"time"
)

// UserStoreLister supplies the current set of users to reflect over,
// mirroring the per-user database-per-handle resource policy used
// elsewhere (ProjectionStore, SessionManager).
type UserStoreLister func() []UserStore

// RunLoop ticks every Interval and runs one reflection pass per user
// returned by list. Errors from an individual pass are reported via
// onError but never stop the loop; a crash in one user's reflection must
// not block another user's, matching spec.md section 5's per-channel
// isolation principle applied to this background job.
func (r *Runner) RunLoop(ctx context.Context, list UserStoreLister, onError func(userID string, err error)) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, us := range list() {
				if _, err := r.Run(ctx, us); err != nil && onError != nil {
					onError(us.UserID, err)
				}
			}
		}
	}
}
