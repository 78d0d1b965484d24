package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jverney/dustprobe/internal/dps"
)

func TestParseEnvelope(t *testing.T) {
	payload := []byte(`{"dps":{"121":5,"122":80,"180":"Y2Jh"},"t":1757840400}`)
	obs, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(obs))
	}
	decoded := dps.DecodeAll(obs)
	if decoded["121"].Kind != dps.KindInt || decoded["121"].Int != 5 {
		t.Fatalf("unexpected status value: %+v", decoded["121"])
	}
	if decoded["180"].Kind != dps.KindBytes {
		t.Fatalf("blob key must decode as bytes: %+v", decoded["180"])
	}
}

func TestParseEnvelopeRejectsEmpty(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"t":1757840400}`)); err == nil {
		t.Fatalf("empty dps map must be rejected")
	}
	if _, err := ParseEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("malformed payload must be rejected")
	}
}

func TestPollerDeliversAndSurvivesErrors(t *testing.T) {
	calls := 0
	fetch := func(ctx context.Context) (dps.Observation, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("device unreachable")
		}
		return dps.Observation{"121": 0}, nil
	}

	delivered := make(chan dps.Observation, 8)
	p := NewPoller(fetch, func(obs dps.Observation) { delivered <- obs }, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// First delivery is immediate; the failed second fetch must not stop
	// the loop, so a third delivery follows.
	for i := 0; i < 2; i++ {
		select {
		case obs := <-delivered:
			if _, ok := obs["121"]; !ok {
				t.Fatalf("unexpected observation: %+v", obs)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop on cancel")
	}
}
