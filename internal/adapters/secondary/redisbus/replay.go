package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/moolai/realtime-gateway/internal/core/domain"
	apperrors "github.com/moolai/realtime-gateway/internal/core/errors"
	"github.com/moolai/realtime-gateway/internal/core/ports"
)

const (
	// defaultReplayMaxLen bounds the per-organization resume window.
	defaultReplayMaxLen = 100
	defaultReplayTTL    = 5 * time.Minute
)

// WithReplayWindow overrides the resume window size and retention.
func WithReplayWindow(maxLen int, ttl time.Duration) Option {
	return func(b *EventBus) {
		if maxLen > 0 {
			b.replayMaxLen = maxLen
		}
		if ttl > 0 {
			b.replayTTL = ttl
		}
	}
}

var _ ports.ReplayStore = (*EventBus)(nil)

// AppendReplay records a delivered streaming frame in the organization's
// bounded resume ring. Best-effort: the caller logs failures and moves on.
func (b *EventBus) AppendReplay(ctx context.Context, organizationID string, entry domain.ReplayEntry) error {
	if organizationID == "" {
		return apperrors.ErrOrganizationRequired
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, "encode replay entry")
	}

	key := b.replayKey(organizationID)
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(b.replayMaxLen-1))
	pipe.Expire(ctx, key, b.replayTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, "append replay entry")
	}
	return nil
}

// ReplaySince returns the frames recorded after the given event id, oldest
// first. An unknown id (aged out of the window) returns the whole window:
// better a duplicate than a silent gap under at-least-once semantics.
func (b *EventBus) ReplaySince(ctx context.Context, organizationID, lastEventID string) ([]domain.ReplayEntry, error) {
	if organizationID == "" {
		return nil, apperrors.ErrOrganizationRequired
	}

	raw, err := b.client.LRange(ctx, b.replayKey(organizationID), 0, int64(b.replayMaxLen-1)).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, "read replay window")
	}

	// The list is newest-first; collect entries until the resume point,
	// then reverse into delivery order.
	newerFirst := make([]domain.ReplayEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.ReplayEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			b.logger.Warn("dropping undecodable replay entry", "error", err)
			continue
		}
		if entry.ID == lastEventID {
			break
		}
		newerFirst = append(newerFirst, entry)
	}

	out := make([]domain.ReplayEntry, 0, len(newerFirst))
	for i := len(newerFirst) - 1; i >= 0; i-- {
		out = append(out, newerFirst[i])
	}
	return out, nil
}

func (b *EventBus) replayKey(organizationID string) string {
	return b.prefix + ":replay:" + organizationID
}
