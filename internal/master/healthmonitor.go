package master

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/quarkmaster/internal/slavelink"
)

// linkHealth tracks consecutive ping failures for one slave link.
type linkHealth struct {
	consecutiveFails int
	unhealthy        bool
}

// SlaveHealthMonitor periodically pings every active slave link and reports
// a slave unhealthy once its ping fails maxFailures times in a row. Bring-up
// already fail-stops a link the moment a read fails (see Master.OnLinkLost);
// this adds active detection for a slave that is still connected but has
// stopped responding.
type SlaveHealthMonitor struct {
	links       []*slavelink.SlaveLink
	interval    time.Duration
	pingTimeout time.Duration
	maxFailures int
	onUnhealthy func(slaveID string)
	log         logrus.FieldLogger

	mu     sync.Mutex
	health map[string]*linkHealth

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSlaveHealthMonitor builds a monitor over links, pinging each one every
// interval and calling onUnhealthy after 3 consecutive failures.
func NewSlaveHealthMonitor(links []*slavelink.SlaveLink, interval time.Duration, onUnhealthy func(slaveID string), log logrus.FieldLogger) *SlaveHealthMonitor {
	return &SlaveHealthMonitor{
		links:       links,
		interval:    interval,
		pingTimeout: 2 * time.Second,
		maxFailures: 3,
		onUnhealthy: onUnhealthy,
		log:         log.WithField("component", "slave_health_monitor"),
		health:      make(map[string]*linkHealth),
	}
}

// Start begins periodic pinging in the current goroutine; it returns once ctx
// is canceled or Stop is called.
func (h *SlaveHealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels monitoring and waits for the current round to finish.
func (h *SlaveHealthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *SlaveHealthMonitor) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(h.links))
	for _, link := range h.links {
		go func(l *slavelink.SlaveLink) {
			defer wg.Done()
			h.checkOne(ctx, l)
		}(link)
	}
	wg.Wait()
}

func (h *SlaveHealthMonitor) checkOne(ctx context.Context, link *slavelink.SlaveLink) {
	pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	_, err := link.Ping(pingCtx)

	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.health[link.ID()]
	if !ok {
		entry = &linkHealth{}
		h.health[link.ID()] = entry
	}

	if err != nil {
		entry.consecutiveFails++
		h.log.WithFields(logrus.Fields{"slave_id": link.ID(), "fails": entry.consecutiveFails}).Warn("slave ping failed")
		if entry.consecutiveFails >= h.maxFailures && !entry.unhealthy {
			entry.unhealthy = true
			if h.onUnhealthy != nil {
				go h.onUnhealthy(link.ID())
			}
		}
		return
	}
	entry.consecutiveFails = 0
	entry.unhealthy = false
}

// SetPingTimeout overrides the per-ping deadline. Production leaves the 2s
// default; tests shrink it so an unresponsive fake slave doesn't stall.
func (h *SlaveHealthMonitor) SetPingTimeout(d time.Duration) {
	h.pingTimeout = d
}

// IsHealthy reports the last known health of a slave; slaves never pinged yet
// are reported healthy.
func (h *SlaveHealthMonitor) IsHealthy(slaveID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.health[slaveID]
	if !ok {
		return true
	}
	return !entry.unhealthy
}
