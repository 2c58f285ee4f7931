package health

import (
	"context"
	"log"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/pkg/broker"
)

// AdapterStatus is one adapter's health as seen by the monitor.
type AdapterStatus struct {
	AdapterID string    `json:"adapter_id"`
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latency_ms"`
	Breaker   string    `json:"breaker"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor probes broker adapters on an interval and feeds the results into
// each adapter's circuit breaker. Probe results never place orders; they only
// open or close the gate the execution engine consults.
type Monitor struct {
	mu       sync.RWMutex
	adapters map[string]broker.Adapter
	breakers map[string]*CircuitBreaker
	statuses map[string]AdapterStatus
	bus      *events.Bus
	interval time.Duration
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewMonitor creates a monitor over the given adapters. A breaker is created
// per adapter with default thresholds.
func NewMonitor(adapters []broker.Adapter, bus *events.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{
		adapters: make(map[string]broker.Adapter),
		breakers: make(map[string]*CircuitBreaker),
		statuses: make(map[string]AdapterStatus),
		bus:      bus,
		interval: interval,
	}
	for _, a := range adapters {
		m.adapters[a.ID()] = a
		m.breakers[a.ID()] = NewCircuitBreaker(DefaultBreakerConfig(a.ID()))
	}
	return m
}

// Breaker returns the circuit breaker for an adapter, or nil if unknown.
func (m *Monitor) Breaker(adapterID string) *CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[adapterID]
}

// Start begins the periodic probe loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	log.Printf("health monitor started (%d adapters, interval %v)", len(m.adapters), m.interval)
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	adapters := make([]broker.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	for _, a := range adapters {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		h := a.HealthCheck(probeCtx)
		cancel()

		br := m.Breaker(a.ID())
		if h.Healthy {
			br.RecordSuccess()
		} else {
			br.RecordFailure()
		}

		st := AdapterStatus{
			AdapterID: a.ID(),
			Healthy:   h.Healthy,
			LatencyMs: h.LatencyMs,
			Breaker:   br.State().String(),
			LastCheck: time.Now(),
			LastError: h.Err,
		}
		m.mu.Lock()
		prev, had := m.statuses[a.ID()]
		m.statuses[a.ID()] = st
		m.mu.Unlock()

		if had && prev.Healthy != st.Healthy {
			log.Printf("adapter %s health changed: healthy=%v (latency %dms) %s", a.ID(), st.Healthy, st.LatencyMs, st.LastError)
			if m.bus != nil {
				m.bus.Publish(events.EventRiskEvent, map[string]any{
					"kind":       "adapter_health",
					"adapter_id": a.ID(),
					"healthy":    st.Healthy,
					"error":      st.LastError,
				})
			}
		}
	}
}

// Statuses returns a snapshot of all adapter statuses for the query surface.
func (m *Monitor) Statuses() []AdapterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	return out
}
