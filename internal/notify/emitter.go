// Package notify writes notification rows for mentions, reactions and
// moderation actions.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/util"
)

// Target selects recipients. All takes precedence over the explicit ids.
type Target struct {
	UserID  string
	UserIDs []string
	All     bool
}

type Request struct {
	Target   Target
	Template Template
	Link     string
	Metadata map[string]any
	// ActorID is never notified about their own action.
	ActorID string
	// DedupeKey identifies the trigger. A repeated key for the same recipient
	// is dropped.
	DedupeKey string
}

type Store interface {
	InsertNotifications(ctx context.Context, items []store.Notification) (int, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

type Emitter struct {
	store     Store
	deduper   Deduper
	batchSize int
	logger    *slog.Logger
}

func NewEmitter(s Store, deduper Deduper, batchSize int, logger *slog.Logger) *Emitter {
	if deduper == nil {
		deduper = NopDeduper{}
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: s, deduper: deduper, batchSize: batchSize, logger: logger}
}

// Notify fans a request out to its recipients and returns how many rows were
// written.
func (e *Emitter) Notify(ctx context.Context, req Request) (int, error) {
	if !ValidType(req.Template.Type) {
		return 0, fmt.Errorf("notify: unknown type %q", req.Template.Type)
	}
	recipients, err := e.recipients(ctx, req.Target, req.ActorID)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal notification metadata: %w", err)
		}
	}

	written := 0
	for start := 0; start < len(recipients); start += e.batchSize {
		end := min(start+e.batchSize, len(recipients))
		pending := e.undelivered(ctx, req.DedupeKey, recipients[start:end])
		if len(pending) == 0 {
			continue
		}
		rows := make([]store.Notification, 0, len(pending))
		for _, userID := range pending {
			rows = append(rows, store.Notification{
				ID:        util.NewID("ntf"),
				UserID:    userID,
				Title:     req.Template.Title,
				Message:   req.Template.Message,
				Type:      req.Template.Type,
				Link:      req.Link,
				Metadata:  metadata,
				DedupeKey: req.DedupeKey,
			})
		}
		n, err := e.store.InsertNotifications(ctx, rows)
		if err != nil {
			return written, err
		}
		written += n
		e.markDelivered(ctx, req.DedupeKey, pending)
	}
	return written, nil
}

func (e *Emitter) recipients(ctx context.Context, target Target, actorID string) ([]string, error) {
	var candidates []string
	if target.All {
		ids, err := e.store.ListUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("notify all users: %w", err)
		}
		candidates = ids
	} else {
		candidates = append(candidates, target.UserID)
		candidates = append(candidates, target.UserIDs...)
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id == "" || id == actorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// undelivered drops the recipients already marked for dedupeKey. A deduper
// failure lets the row through; the unique index still applies.
func (e *Emitter) undelivered(ctx context.Context, dedupeKey string, userIDs []string) []string {
	if dedupeKey == "" {
		return userIDs
	}
	out := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		done, err := e.deduper.Delivered(ctx, dedupeKey, userID)
		if err != nil {
			e.logger.Warn("notification dedupe lookup failed", "dedupe_key", dedupeKey, "user_id", userID, "error", err)
			out = append(out, userID)
			continue
		}
		if !done {
			out = append(out, userID)
		}
	}
	return out
}

// markDelivered runs after the rows are stored. Rows the unique index skipped
// were delivered earlier, so they are marked too.
func (e *Emitter) markDelivered(ctx context.Context, dedupeKey string, userIDs []string) {
	if dedupeKey == "" {
		return
	}
	for _, userID := range userIDs {
		if err := e.deduper.MarkDelivered(ctx, dedupeKey, userID); err != nil {
			e.logger.Warn("notification dedupe mark failed", "dedupe_key", dedupeKey, "user_id", userID, "error", err)
		}
	}
}
