package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/retry"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Fetch reads a record from the tier its envelope names and records the
// access. If a migration commits between the envelope read and the content
// read, the envelope is re-read once and the new tier is used.
func (o *Orchestrator) Fetch(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	for pass := 0; pass < 2; pass++ {
		env, err := o.liveEnvelope(ctx, recordID)
		if err != nil {
			return model.Envelope{}, nil, err
		}
		s, err := o.tiers.Store(env.CurrentTierID)
		if err != nil {
			return model.Envelope{}, nil, err
		}

		var content []byte
		err = retry.Do(ctx, o.clock, o.opts.Retry, retryable, func(int) error {
			ioCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
			defer cancel()
			var gerr error
			_, content, gerr = s.Get(ioCtx, recordID)
			return classify("fetch", gerr)
		})
		if errors.Is(err, tier.ErrNotFound) && pass == 0 {
			continue
		}
		if err != nil {
			return model.Envelope{}, nil, fmt.Errorf("fetch %s from %s: %w", recordID, env.CurrentTierID, err)
		}
		if sum := model.Checksum(content); sum != env.ContentChecksum {
			return model.Envelope{}, nil, &ChecksumMismatchError{RecordID: recordID, TierID: env.CurrentTierID, Want: env.ContentChecksum, Got: sum}
		}

		now := o.clock.Now()
		if err := o.db.TouchEnvelope(ctx, recordID, now); err != nil {
			return model.Envelope{}, nil, err
		}
		env.LastAccessedAt = &now
		return *env, content, nil
	}
	return model.Envelope{}, nil, fmt.Errorf("fetch %s: %w", recordID, tier.ErrNotFound)
}
