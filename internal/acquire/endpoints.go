package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/telemetry"
)

// Endpoint pool.
//
// Public explorer APIs fail often and in different ways, so each
// endpoint carries its own circuit breaker, rate limiter, and cooldown
// clock. A fetch walks the pool in rotation order, skipping endpoints
// that are cooling down or whose breaker is open, retrying retryable
// failures with jittered exponential backoff. Successful bodies are
// cached briefly so that claim resolution and feature extraction
// re-reading the same source do not double-fetch.

const maxResponseBytes = 4 << 20

// Endpoint is one upstream base URL with optional auth
type Endpoint struct {
	BaseURL string
	APIKey  string
}

type endpointState struct {
	ep           Endpoint
	breaker      *gobreaker.CircuitBreaker
	limiter      *rate.Limiter
	mu           sync.Mutex
	cooldownEnd  time.Time
	unauthorized bool
}

// Pool rotates fetches across a set of equivalent endpoints
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpointState
	next      int
	client    *http.Client
	cache     *cache.Cache
	cfg       config.Acquire
	log       zerolog.Logger
}

func NewPool(endpoints []Endpoint, cfg config.Acquire, log zerolog.Logger) *Pool {
	states := make([]*endpointState, 0, len(endpoints))
	for _, ep := range endpoints {
		ep := ep
		states = append(states, &endpointState{
			ep: ep,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        ep.BaseURL,
				MaxRequests: 2,
				Timeout:     cfg.CooldownBase,
				ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 4 },
			}),
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		})
	}
	return &Pool{
		endpoints: states,
		client:    &http.Client{Timeout: cfg.Timeout},
		cache:     cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		cfg:       cfg,
		log:       log.With().Str("component", "acquire").Logger(),
	}
}

// Fetch GETs path from the pool, rotating endpoints and retrying
// retryable failures up to the configured budget. The returned bytes
// come from cache when the same path was fetched within the TTL.
func (p *Pool) Fetch(ctx context.Context, path string) ([]byte, error) {
	if body, ok := p.cache.Get(path); ok {
		return body.([]byte), nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(p.cfg.CooldownBase/10, attempt)):
			}
		}
		st := p.pick()
		if st == nil {
			lastErr = errors.New("acquire: no endpoint available")
			continue
		}
		body, err := p.fetchOne(ctx, st, path)
		if err == nil {
			p.cache.Set(path, body, cache.DefaultExpiration)
			return body, nil
		}
		lastErr = err
		var fe *FetchError
		if errors.As(err, &fe) {
			telemetry.FetchFailed(fe.Endpoint, string(fe.Kind))
		}
		if !IsRetryable(err) {
			return nil, err
		}
		p.log.Warn().Str("endpoint", st.ep.BaseURL).Int("attempt", attempt).Err(err).Msg("fetch retry")
	}
	return nil, fmt.Errorf("acquire: retries exhausted: %w", lastErr)
}

// pick returns the next usable endpoint in rotation order
func (p *Pool) pick() *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for i := 0; i < len(p.endpoints); i++ {
		st := p.endpoints[p.next]
		p.next = (p.next + 1) % len(p.endpoints)
		st.mu.Lock()
		usable := !st.unauthorized && now.After(st.cooldownEnd)
		st.mu.Unlock()
		if usable {
			return st
		}
	}
	return nil
}

func (p *Pool) fetchOne(ctx context.Context, st *endpointState, path string) ([]byte, error) {
	if err := st.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := st.breaker.Execute(func() (interface{}, error) {
		return p.doRequest(ctx, st, path)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{Kind: FetchUnavailable, Endpoint: st.ep.BaseURL, Err: err}
		}
		return nil, err
	}
	return body.([]byte), nil
}

func (p *Pool) doRequest(ctx context.Context, st *endpointState, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.ep.BaseURL+path, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchMalformed, Endpoint: st.ep.BaseURL, Err: err}
	}
	if st.ep.APIKey != "" {
		req.Header.Set("X-API-Key", st.ep.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchUnavailable, Endpoint: st.ep.BaseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		p.penalize(st, kind)
		return nil, &FetchError{Kind: kind, Endpoint: st.ep.BaseURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{Kind: FetchUnavailable, Endpoint: st.ep.BaseURL, Err: err}
	}
	return body, nil
}

// penalize applies the kind-specific endpoint penalty
func (p *Pool) penalize(st *endpointState, kind FetchErrorKind) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch kind {
	case FetchRateLimited:
		st.cooldownEnd = time.Now().Add(p.cfg.CooldownBase)
		p.log.Warn().Str("endpoint", st.ep.BaseURL).Dur("cooldown", p.cfg.CooldownBase).Msg("endpoint rate limited")
	case FetchUnauthorized:
		st.unauthorized = true
		p.log.Error().Str("endpoint", st.ep.BaseURL).Msg("endpoint unauthorized, retired for this run")
	}
}

// backoff returns base*2^attempt with up to 25% jitter
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
