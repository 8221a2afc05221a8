package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultProbeInterval is how often the prober checks backend reachability.
const DefaultProbeInterval = 15 * time.Second

// Prober feeds a Monitor by polling the backend's health endpoint. Hosts
// with their own reachability signal can skip the prober and call
// Monitor.Report directly.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	url      string
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a Prober for healthURL. An interval <= 0 falls back to
// DefaultProbeInterval.
func NewProber(monitor *Monitor, healthURL string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		monitor:  monitor,
		client:   &http.Client{Timeout: 5 * time.Second},
		url:      healthURL,
		interval: interval,
		logger:   logger,
	}
}

// Run probes immediately and then on every interval tick until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.monitor.Report(p.probe(ctx))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.monitor.Report(p.probe(ctx))
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("building health probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
