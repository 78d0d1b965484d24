package transport

import (
	"context"
	"log"
	"time"

	"github.com/jverney/dustprobe/internal/dps"
)

// FetchFunc retrieves the current DPS map from the device, typically over
// the local tuya-style API.
type FetchFunc func(ctx context.Context) (dps.Observation, error)

// Poller drives a probe from a pull-based source at a fixed interval.
// A failed fetch is logged and the loop keeps going; transient device
// unavailability (mid-clean wifi dropouts) is normal.
type Poller struct {
	fetch    FetchFunc
	handler  Handler
	interval time.Duration
}

// NewPoller builds a poller; interval <= 0 defaults to 10 seconds.
func NewPoller(fetch FetchFunc, handler Handler, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{fetch: fetch, handler: handler, interval: interval}
}

// Run polls until the context is cancelled. The first fetch happens
// immediately so a fresh start captures a baseline without waiting a tick.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	obs, err := p.fetch(ctx)
	if err != nil {
		log.Printf("poll device: %v", err)
		return
	}
	if len(obs) == 0 {
		return
	}
	p.handler(obs)
}
