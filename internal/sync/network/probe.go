package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wardrobekit/backend/internal/logging"
)

// ProbeSource determines connectivity by polling an HTTP health endpoint.
// Any response below 500 counts as online.
type ProbeSource struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	clock    clock.Clock
}

// ProbeOption configures a ProbeSource.
type ProbeOption func(*ProbeSource)

// WithProbeClock sets the clock driving the poll ticker.
func WithProbeClock(c clock.Clock) ProbeOption {
	return func(p *ProbeSource) { p.clock = c }
}

// WithProbeTimeout bounds a single probe request.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *ProbeSource) { p.timeout = d }
}

// NewProbeSource polls url every interval.
func NewProbeSource(url string, interval time.Duration, opts ...ProbeOption) *ProbeSource {
	p := &ProbeSource{
		url:      url,
		interval: interval,
		timeout:  5 * time.Second,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CurrentStatus performs one probe. Transport failures mean offline, not an
// error.
func (p *ProbeSource) CurrentStatus(ctx context.Context) (bool, error) {
	return p.probe(ctx), nil
}

func (p *ProbeSource) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logging.Warn("invalid connectivity probe url", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Subscribe polls until cancel is called or ctx ends.
func (p *ProbeSource) Subscribe(ctx context.Context, fn func(bool)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := p.clock.Ticker(p.interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(p.probe(ctx))
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}
