package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/clock"
)

func msg(key string) models.OutboundMessage {
	return models.OutboundMessage{ConversationID: "c1", IdempotencyKey: key, Type: models.MessageTypeText}
}

func TestOutbox_ExpiredEntryDropped(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	o := NewOutbox(fc, 5*time.Minute)

	o.Queue(msg("old"))
	fc.Advance(6 * time.Minute)
	o.Queue(msg("fresh"))

	var sent []string
	res := o.Flush(context.Background(), func(_ context.Context, m models.OutboundMessage) error {
		sent = append(sent, m.IdempotencyKey)
		return nil
	})

	assert.Equal(t, []string{"fresh"}, sent)
	assert.Equal(t, FlushResult{Sent: 1, Failed: 1, Remaining: 0, Dropped: []string{"old"}}, res)
}

func TestOutbox_FailedSendsAreKeptInOrder(t *testing.T) {
	o := NewOutbox(nil, 0)
	o.Queue(msg("a"))
	o.Queue(msg("b"))
	o.Queue(msg("c"))

	res := o.Flush(context.Background(), func(_ context.Context, m models.OutboundMessage) error {
		if m.IdempotencyKey == "b" {
			return errors.New("rejected")
		}
		return nil
	})
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	entries := o.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Payload.IdempotencyKey)
}

func TestOutbox_ConcurrentFlushesDoNotDuplicate(t *testing.T) {
	o := NewOutbox(nil, 0)
	for _, k := range []string{"a", "b", "c", "d"} {
		o.Queue(msg(k))
	}

	var mu sync.Mutex
	counts := map[string]int{}
	send := func(_ context.Context, m models.OutboundMessage) error {
		mu.Lock()
		counts[m.IdempotencyKey]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Flush(context.Background(), send)
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, counts)
	assert.Zero(t, o.Len())
}

func TestOutbox_CancelledContext(t *testing.T) {
	o := NewOutbox(nil, 0)
	o.Queue(msg("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Flush(ctx, func(context.Context, models.OutboundMessage) error {
		t.Fatal("send must not run")
		return nil
	})
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)

	o.Clear()
	assert.Zero(t, o.Len())
}
