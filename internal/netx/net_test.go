package netx

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophchat/internal/clock"
)

type scriptedProbe struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedProbe) set(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *scriptedProbe) probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("no route to host")
	}
	return nil
}

func TestMonitor_ReportsTransitionsOnly(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := &scriptedProbe{}
	m := NewMonitor(p.probe, time.Second, fc, nil)

	var log []string
	m.OnChange(
		func(context.Context) { log = append(log, "online") },
		func() { log = append(log, "offline") },
	)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	fc.Advance(time.Second)
	assert.Empty(t, log)
	assert.True(t, m.Reachable())

	p.set(true)
	fc.Advance(time.Second)
	fc.Advance(time.Second)
	assert.Equal(t, []string{"offline"}, log)
	assert.False(t, m.Reachable())

	p.set(false)
	fc.Advance(time.Second)
	assert.Equal(t, []string{"offline", "online"}, log)
	assert.Equal(t, 4, p.calls)
}

func TestMonitor_StopHaltsProbing(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := &scriptedProbe{}
	m := NewMonitor(p.probe, time.Second, fc, nil)

	m.Start(context.Background())
	m.Start(context.Background())
	fc.Advance(time.Second)
	m.Stop()
	fc.Advance(5 * time.Second)
	assert.Equal(t, 1, p.calls)
}

func TestMonitor_CancelledContextStops(t *testing.T) {
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := &scriptedProbe{}
	m := NewMonitor(p.probe, time.Second, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	fc.Advance(3 * time.Second)
	assert.Equal(t, 0, p.calls)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	addr := ln.Addr().String()
	require.NoError(t, TCPProbe(addr)(context.Background()))

	require.NoError(t, ln.Close())
	require.Error(t, TCPProbe(addr)(context.Background()))
}
