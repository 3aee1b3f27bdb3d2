package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/gemini-bridge/internal/metrics"
	"github.com/nulpointcorp/gemini-bridge/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the upstreams and the state
// store and exposes the latest results.
type HealthChecker struct {
	upstreams map[string]providers.Provider
	// storePing is nil when state lives in process.
	storePing func(ctx context.Context) error
	baseCtx   context.Context
	metrics   *metrics.Registry

	upstreamStatuses map[string]*componentStatus
	storeStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. met may be nil.
func NewHealthChecker(
	ctx context.Context,
	upstreams map[string]providers.Provider,
	storePing func(ctx context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		upstreams:        upstreams,
		storePing:        storePing,
		upstreamStatuses: make(map[string]*componentStatus, len(upstreams)),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}
	for name := range upstreams {
		hc.upstreamStatuses[name] = &componentStatus{}
	}

	// First probe runs synchronously so health is not "unknown" at startup.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Upstreams     map[string]string `json:"upstreams"`
	Store         string            `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	ups := make(map[string]string, len(hc.upstreamStatuses))
	for name, s := range hc.upstreamStatuses {
		st := s.get()
		ups[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	store := hc.storeStatus.get()
	if store != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstreams:     ups,
		Store:         store,
	}
}

// ReadinessOK reports whether the state store is reachable. Upstream trouble
// does not make the bridge unready: failover and the breaker handle it.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.upstreams {
		s := hc.upstreamStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := prov.HealthCheck(ctx) == nil
			if ok {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, ok)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.storePing == nil || hc.storePing(ctx) == nil {
			hc.storeStatus.set("ok")
		} else {
			hc.storeStatus.set("down")
		}
	}()

	wg.Wait()
}
