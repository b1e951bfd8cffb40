package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

type inboxEntry struct {
	event   payment.Event
	seq     uint64
	applied bool
}

// WebhookInbox keeps received webhook events until they are applied. It
// deduplicates by event id.
type WebhookInbox struct {
	mu      sync.Mutex
	entries map[string]*inboxEntry
	seq     uint64
}

func NewWebhookInbox() *WebhookInbox {
	return &WebhookInbox{entries: make(map[string]*inboxEntry)}
}

func (i *WebhookInbox) Enqueue(ctx context.Context, ev *payment.Event) (bool, error) {
	_ = ctx
	if ev == nil || ev.ID == "" {
		return false, fmt.Errorf("webhook inbox: event id is required")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.entries[ev.ID]; exists {
		return false, nil
	}
	i.seq++
	i.entries[ev.ID] = &inboxEntry{event: *ev, seq: i.seq}
	return true, nil
}

// Pending returns up to limit unapplied events, oldest first.
func (i *WebhookInbox) Pending(ctx context.Context, limit int) ([]*payment.Event, error) {
	_ = ctx

	i.mu.Lock()
	defer i.mu.Unlock()

	pending := make([]*inboxEntry, 0, len(i.entries))
	for _, e := range i.entries {
		if !e.applied {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].seq < pending[b].seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*payment.Event, 0, len(pending))
	for _, e := range pending {
		ev := e.event
		out = append(out, &ev)
	}
	return out, nil
}

func (i *WebhookInbox) Applied(ctx context.Context, eventID string) (bool, error) {
	_ = ctx

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[eventID]
	return ok && e.applied, nil
}

func (i *WebhookInbox) MarkApplied(ctx context.Context, eventID string) error {
	_ = ctx

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[eventID]
	if !ok {
		return fmt.Errorf("webhook inbox: unknown event %s", eventID)
	}
	e.applied = true
	return nil
}

func (i *WebhookInbox) RecordAttempt(ctx context.Context, eventID string) (int, error) {
	_ = ctx

	i.mu.Lock()
	defer i.mu.Unlock()

	e, ok := i.entries[eventID]
	if !ok {
		return 0, fmt.Errorf("webhook inbox: unknown event %s", eventID)
	}
	e.event.Attempts++
	return e.event.Attempts, nil
}
