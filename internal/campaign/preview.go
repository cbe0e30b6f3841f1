package campaign

import (
	"context"
	"errors"
	"time"

	"smscast/internal/domain"
)

// PreviewAudience counts pending recipients for a campaign, racing the query
// against a timeout. Previews back an interactive surface, so a slow count
// surfaces a distinct timeout error instead of a generic storage failure.
func (s *Sender) PreviewAudience(ctx context.Context, campaignID string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type counted struct {
		n   int
		err error
	}
	ch := make(chan counted, 1)
	go func() {
		n, err := s.Store.CountPendingRecipients(ctx, campaignID)
		ch <- counted{n: n, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return 0, domain.ErrPreviewTimeout
			}
			return 0, res.err
		}
		return res.n, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, domain.ErrPreviewTimeout
		}
		return 0, ctx.Err()
	}
}
