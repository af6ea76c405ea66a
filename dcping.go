package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	dcProbePort    = "443"
	dcProbeTimeout = 5 * time.Second
)

// telegramDCs are the public entry points of the five Telegram datacenters.
var telegramDCs = []string{
	"149.154.175.50",
	"149.154.167.50",
	"149.154.175.100",
	"149.154.167.91",
	"91.108.56.100",
}

// probeTracker keeps every in-flight TCP probe so shutdown can abort them.
type probeTracker struct {
	mu      sync.Mutex
	nextID  int
	cancels map[int]context.CancelFunc
	conns   map[net.Conn]struct{}
	closed  bool
}

func newProbeTracker() *probeTracker {
	return &probeTracker{
		cancels: make(map[int]context.CancelFunc),
		conns:   make(map[net.Conn]struct{}),
	}
}

// start registers a probe and returns its context and a release func.
// After closeAll the returned context is already cancelled.
func (p *probeTracker) start(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		cancel()
		return ctx, func() {}
	}
	id := p.nextID
	p.nextID++
	p.cancels[id] = cancel
	return ctx, func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, id)
		p.mu.Unlock()
	}
}

func (p *probeTracker) track(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	p.conns[conn] = struct{}{}
}

func (p *probeTracker) release(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	conn.Close()
}

// closeAll aborts pending dials and closes open sockets.
func (p *probeTracker) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	for conn := range p.conns {
		conn.Close()
		delete(p.conns, conn)
	}
}

func (p *probeTracker) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels) + len(p.conns)
}

// tcpPing measures how long a TCP connect to addr takes.
func (p *probeTracker) tcpPing(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	ctx, done := p.start(ctx)
	defer done()

	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	p.track(conn)
	p.release(conn)
	return elapsed, nil
}

// pingAll probes every address concurrently. A failed probe yields -1.
func (p *probeTracker) pingAll(ctx context.Context, addrs []string, timeout time.Duration) []time.Duration {
	results := make([]time.Duration, len(addrs))
	var g errgroup.Group
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			d, err := p.tcpPing(ctx, addr, timeout)
			if err != nil {
				results[i] = -1
				return nil
			}
			results[i] = d
			return nil
		})
	}
	g.Wait()
	return results
}

func formatDCReport(results []time.Duration) string {
	var sb strings.Builder
	sb.WriteString("📡 Telegram DC latency\n")
	for i, d := range results {
		if d < 0 {
			fmt.Fprintf(&sb, "\nDC%d: timeout", i+1)
			continue
		}
		fmt.Fprintf(&sb, "\nDC%d: %dms", i+1, d.Milliseconds())
	}
	return sb.String()
}

func (b *Bot) dcReport(ctx context.Context) string {
	addrs := make([]string, len(telegramDCs))
	for i, ip := range telegramDCs {
		addrs[i] = net.JoinHostPort(ip, dcProbePort)
	}
	return formatDCReport(b.probes.pingAll(ctx, addrs, dcProbeTimeout))
}
