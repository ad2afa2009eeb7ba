// Package netx watches network reachability of the backend and reports
// transitions between reachable and unreachable.
package netx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/clock"
	"github.com/dmitrijs2005/gophchat/internal/logging"
)

// Probe reports whether the network path to the backend is usable.
type Probe func(ctx context.Context) error

// TCPProbe dials addr and closes the connection at once.
func TCPProbe(addr string) Probe {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Monitor runs a Probe on a fixed interval and calls the registered
// handlers on every change. The network is assumed reachable until a
// probe fails.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	log      logging.Logger

	mu        sync.Mutex
	reachable bool
	running   bool
	ctx       context.Context
	timer     *clock.Timer
	onOnline  func(ctx context.Context)
	onOffline func()
}

func NewMonitor(probe Probe, interval time.Duration, c clock.Clock, log logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = logging.NewDiscard()
	}
	return &Monitor{
		probe:     probe,
		interval:  interval,
		timeout:   3 * time.Second,
		clock:     c,
		log:       log.With("module", "netx"),
		reachable: true,
	}
}

// OnChange registers the transition handlers. Either may be nil.
func (m *Monitor) OnChange(online func(ctx context.Context), offline func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline, m.onOffline = online, offline
}

// Reachable reports the last observed state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.ctx = ctx
	m.timer = m.clock.AfterFunc(m.interval, m.tick)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.timer.Stop()
	m.timer = nil
}

func (m *Monitor) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	if ctx.Err() != nil {
		m.Stop()
		return
	}

	m.Check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.timer = m.clock.AfterFunc(m.interval, m.tick)
	}
}

// Check probes once and dispatches a transition if the state changed. It
// returns the observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx)
	cancel()
	now := err == nil

	m.mu.Lock()
	was := m.reachable
	m.reachable = now
	online, offline := m.onOnline, m.onOffline
	m.mu.Unlock()

	switch {
	case was && !now:
		m.log.Info(ctx, "network unreachable", "error", err)
		if offline != nil {
			offline()
		}
	case !was && now:
		m.log.Info(ctx, "network reachable")
		if online != nil {
			online(ctx)
		}
	}
	return now
}
