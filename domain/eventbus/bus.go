// Package eventbus wraps pkg/pgnotify's LISTEN/NOTIFY bus to add the
// durability guarantee the orchestrator needs: a notification lost to a
// connection drop must still be picked up by rescanning the store for
// events newer than the last one processed, and a redelivered notification
// must not be processed twice.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
	"github.com/R3E-Network/trigger-pipeline/infrastructure/logging"
	"github.com/R3E-Network/trigger-pipeline/pkg/pgnotify"
)

// NewEventNotice is the payload carried on the new-event NOTIFY channel.
type NewEventNotice struct {
	EventID string `json:"event_id"`
}

// Backlog loads event ids that may have been missed while disconnected.
type Backlog interface {
	EventIDsSince(ctx context.Context, cursor string, limit int) ([]string, error)
}

// Bus delivers deduplicated new-event notifications to a single consumer,
// backfilling a backlog scan after every (re)subscribe so a dropped
// connection can never silently lose a notification.
type Bus struct {
	inner     *pgnotify.Bus
	channel   string
	backlog   Backlog
	logger    *logging.Logger
	dedupSize int

	mu      sync.Mutex
	seen    map[string]time.Time
	seenAge time.Duration
	cursor  string
}

// Config controls Bus behavior.
type Config struct {
	Channel    string
	DedupTTL   time.Duration
	BacklogCap int
}

// New wraps inner. backlog may be nil to disable reconnect backfill (tests
// only — production always supplies one).
func New(inner *pgnotify.Bus, backlog Backlog, cfg Config, logger *logging.Logger) *Bus {
	if cfg.Channel == "" {
		cfg.Channel = "new_event"
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.BacklogCap <= 0 {
		cfg.BacklogCap = 500
	}
	return &Bus{
		inner:     inner,
		channel:   cfg.Channel,
		backlog:   backlog,
		logger:    logger,
		dedupSize: cfg.BacklogCap,
		seen:      make(map[string]time.Time),
		seenAge:   cfg.DedupTTL,
	}
}

// Subscribe registers handler to be invoked once per distinct event id,
// whether discovered via NOTIFY or via backlog catch-up. It also performs
// an immediate backlog scan, so a consumer that starts cold still picks up
// anything it missed before the subscription existed.
func (b *Bus) Subscribe(ctx context.Context, handler func(ctx context.Context, eventID string) error) error {
	wrapped := func(ctx context.Context, notification pgnotify.Event) error {
		var notice NewEventNotice
		if err := json.Unmarshal(notification.Payload, &notice); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidFormat, "malformed event notification payload", 422, err)
		}
		return b.deliver(ctx, notice.EventID, handler)
	}

	if err := b.inner.Subscribe(b.channel, wrapped); err != nil {
		return errors.Internal("subscribe to event notification channel failed", err)
	}

	b.scanBacklog(ctx, handler)
	return nil
}

// ReconnectBackfill should be invoked after any detected reconnect (a
// consumer observing a connection error from the underlying bus) to catch
// up on notifications that may have been missed while disconnected.
func (b *Bus) ReconnectBackfill(ctx context.Context, handler func(ctx context.Context, eventID string) error) {
	b.scanBacklog(ctx, handler)
}

func (b *Bus) scanBacklog(ctx context.Context, handler func(ctx context.Context, eventID string) error) {
	if b.backlog == nil {
		return
	}
	b.mu.Lock()
	cursor := b.cursor
	b.mu.Unlock()

	ids, err := b.backlog.EventIDsSince(ctx, cursor, b.dedupSize)
	if err != nil {
		if b.logger != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("event backlog scan failed")
		}
		return
	}
	for _, id := range ids {
		if err := b.deliver(ctx, id, handler); err != nil && b.logger != nil {
			b.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"event_id": id,
			}).Warn("backlog event delivery failed")
		}
	}
	if len(ids) > 0 {
		b.mu.Lock()
		b.cursor = ids[len(ids)-1]
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(ctx context.Context, eventID string, handler func(ctx context.Context, eventID string) error) error {
	if eventID == "" {
		return nil
	}
	if b.alreadySeen(eventID) {
		return nil
	}
	if err := handler(ctx, eventID); err != nil {
		return err
	}
	b.markSeen(eventID)
	return nil
}

func (b *Bus) alreadySeen(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	_, ok := b.seen[eventID]
	return ok
}

func (b *Bus) markSeen(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[eventID] = time.Now().UTC()
}

// evictLocked drops dedup entries older than seenAge; callers must hold mu.
func (b *Bus) evictLocked() {
	if len(b.seen) < b.dedupSize*2 {
		return
	}
	cutoff := time.Now().UTC().Add(-b.seenAge)
	for id, t := range b.seen {
		if t.Before(cutoff) {
			delete(b.seen, id)
		}
	}
}
