package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jverney/dustprobe/internal/dps"
)

// LocalConfig points the poller at a local bridge endpoint that serves the
// device's current DPS envelope.
type LocalConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// NewHTTPFetcher builds a FetchFunc that GETs the envelope from a local
// bridge endpoint.
func NewHTTPFetcher(cfg LocalConfig) FetchFunc {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (dps.Observation, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("build status request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch device status: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch device status: %s", resp.Status)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read device status: %w", err)
		}
		return ParseEnvelope(body)
	}
}
