package connectivity

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/clock"
)

// DefaultOutboxExpiry is how long a queued send stays eligible.
const DefaultOutboxExpiry = 5 * time.Minute

// FlushResult summarizes one flush. Dropped carries the idempotency keys of
// expired entries; they count as failed.
type FlushResult struct {
	Sent      int
	Failed    int
	Remaining int
	Dropped   []string
}

// SendFunc delivers one queued payload.
type SendFunc func(ctx context.Context, msg models.OutboundMessage) error

// Outbox is the FIFO queue of sends made while offline.
type Outbox struct {
	clock  clock.Clock
	expiry time.Duration

	mu      sync.Mutex
	entries []*models.OutboxEntry

	// flushMu serializes flushes.
	flushMu sync.Mutex
}

func NewOutbox(c clock.Clock, expiry time.Duration) *Outbox {
	if c == nil {
		c = clock.Real()
	}
	if expiry <= 0 {
		expiry = DefaultOutboxExpiry
	}
	return &Outbox{clock: c, expiry: expiry}
}

// Queue appends msg and returns the new queue length.
func (o *Outbox) Queue(msg models.OutboundMessage) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, &models.OutboxEntry{Payload: msg, QueuedAt: o.clock.Now()})
	return len(o.entries)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Entries returns a copy of the queue in FIFO order.
func (o *Outbox) Entries() []models.OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.OutboxEntry, len(o.entries))
	for i, e := range o.entries {
		out[i] = *e
	}
	return out
}

// Clear drops every entry.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
}

func (o *Outbox) remove(e *models.OutboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = slices.DeleteFunc(o.entries, func(x *models.OutboxEntry) bool { return x == e })
}

// Flush sends queued entries in FIFO order. Expired entries are dropped
// without sending; an entry is removed only after send succeeds, so a
// failed entry stays for the next flush. Entries queued during the flush
// wait for the next one.
func (o *Outbox) Flush(ctx context.Context, send SendFunc) FlushResult {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	batch := slices.Clone(o.entries)
	o.mu.Unlock()

	var res FlushResult
	for _, e := range batch {
		if e.Expired(o.clock.Now(), o.expiry) {
			o.remove(e)
			res.Failed++
			res.Dropped = append(res.Dropped, e.Payload.IdempotencyKey)
			continue
		}
		if ctx.Err() != nil {
			res.Failed++
			continue
		}
		if err := send(ctx, e.Payload); err != nil {
			res.Failed++
			continue
		}
		o.remove(e)
		res.Sent++
	}
	res.Remaining = o.Len()
	return res
}
