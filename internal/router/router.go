// Package router dispatches model requests to providers, tracks per-model
// health, and walks the configured default chain on failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/linggen/linggen-agent/internal/config"
	"github.com/linggen/linggen-agent/internal/providers"
)

// ErrAllModelsDown marks exhaustion of the whole fallback chain.
var ErrAllModelsDown = errors.New("all models down")

// errNextModel is returned internally when a model should be skipped in
// favour of the next chain entry.
var errNextModel = errors.New("try next model")

const (
	transientRetries  = 3
	backoffBase       = 500 * time.Millisecond
	backoffCap        = 8 * time.Second
	defaultRetryAfter = 30 * time.Second
)

// ProviderFactory builds a provider for a model config (swapped in tests).
type ProviderFactory func(mc config.ModelConfig, apiKey string) providers.Provider

// Router selects a healthy model and falls back down the chain.
type Router struct {
	cfg     *config.Config
	creds   config.Credentials
	health  *healthTable
	factory ProviderFactory

	mu    sync.Mutex
	cache map[string]providers.Provider
}

// Opts is one routed request.
type Opts struct {
	// ModelID is the caller-requested model; empty consults Chain.
	ModelID string
	// Chain is the preference order (agent preference then global default).
	Chain []string
	// Request is the provider payload.
	Request providers.Request
	// OnChunk receives streaming deltas; nil for buffered use.
	OnChunk func(providers.Chunk)
}

// Result is a routed response plus the model that actually served it.
type Result struct {
	Response *providers.Response
	ModelID  string
	// Fallback is true when the serving model differs from the requested one.
	Fallback bool
}

// New creates a Router over the given config and credentials.
func New(cfg *config.Config, creds config.Credentials) *Router {
	probation := time.Duration(cfg.Agent.ProbationSecs) * time.Second
	return &Router{
		cfg:     cfg,
		creds:   creds,
		health:  newHealthTable(probation),
		factory: defaultFactory,
		cache:   make(map[string]providers.Provider),
	}
}

// SetFactory replaces provider construction (tests, alternative transports).
func (r *Router) SetFactory(f ProviderFactory) { r.factory = f }

func defaultFactory(mc config.ModelConfig, apiKey string) providers.Provider {
	switch mc.Provider {
	case "openai":
		return providers.NewOpenAIProvider(mc.URL, mc.Model, apiKey)
	default:
		return providers.NewNativeProvider(mc.URL, mc.Model, apiKey, mc.KeepAlive)
	}
}

// HealthSnapshot returns the decayed health table (GET /api/models/health).
func (r *Router) HealthSnapshot() map[string]Health { return r.health.snapshot() }

// Stream routes the request. Selection: the explicit model first (skipping it
// only when quota-exhausted or down), then the chain in order, then the global
// default chain; transient errors retry per model before falling through.
func (r *Router) Stream(ctx context.Context, opts Opts) (*Result, error) {
	candidates := r.candidates(opts)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no models configured", ErrAllModelsDown)
	}

	var lastErr error
	for _, id := range candidates {
		h := r.health.get(id)
		switch h.Status {
		case StatusDown, StatusQuotaExhausted:
			continue
		case StatusRateLimited:
			wait := time.Until(h.RetryAt)
			if id != opts.ModelID {
				continue
			}
			// The caller asked for this model: sleep until the limit
			// clears (plus jitter), then try.
			if err := sleepCtx(ctx, wait+jitter(wait/4)); err != nil {
				return nil, err
			}
		}

		resp, err := r.tryModel(ctx, id, opts)
		if err == nil {
			r.health.set(id, StatusHealthy, "", time.Time{})
			res := &Result{Response: resp, ModelID: id}
			if opts.ModelID != "" && id != opts.ModelID {
				res.Fallback = true
			} else if opts.ModelID == "" && len(candidates) > 0 && id != candidates[0] {
				res.Fallback = true
			}
			return res, nil
		}
		if errors.Is(err, errNextModel) {
			lastErr = err
			continue
		}
		return nil, err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllModelsDown, lastErr)
	}
	return nil, ErrAllModelsDown
}

// candidates orders the models to attempt, de-duplicated.
func (r *Router) candidates(opts Opts) []string {
	snap := r.cfg.Snapshot()
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		if _, ok := r.cfg.Model(id); !ok {
			slog.Warn("router: unknown model in chain", "model", id)
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(opts.ModelID)
	for _, id := range opts.Chain {
		add(id)
	}
	for _, id := range snap.Routing.DefaultModels {
		add(id)
	}
	return out
}

// tryModel invokes one model with transient retries. A nil error is success;
// errNextModel-wrapped errors mean "walk on"; anything else aborts routing.
func (r *Router) tryModel(ctx context.Context, id string, opts Opts) (*providers.Response, error) {
	p, err := r.provider(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNextModel, err)
	}

	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			if err := sleepCtx(ctx, delay+jitter(delay)); err != nil {
				return nil, err
			}
		}

		resp, err := p.Stream(ctx, opts.Request, opts.OnChunk)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var httpErr *providers.HTTPError
		if errors.As(err, &httpErr) {
			switch classify(httpErr) {
			case failRateLimited:
				retryAfter := defaultRetryAfter
				if httpErr.RetryAfter > 0 {
					retryAfter = time.Duration(httpErr.RetryAfter) * time.Second
				}
				r.health.set(id, StatusRateLimited, err.Error(), time.Now().Add(retryAfter))
				return nil, fmt.Errorf("%w: %v", errNextModel, err)
			case failQuota:
				r.health.set(id, StatusQuotaExhausted, err.Error(), time.Time{})
				return nil, fmt.Errorf("%w: %v", errNextModel, err)
			case failAuth:
				// Misconfigured credentials are a user error; no retry, no
				// fallback masking it.
				return nil, err
			case failNotFound:
				return nil, err
			case failTransient:
				lastErr = err
				continue
			}
		}
		// Network-level failure: transient.
		lastErr = err
	}

	r.health.set(id, StatusDown, lastErr.Error(), time.Time{})
	slog.Warn("router: model marked down", "model", id, "error", lastErr)
	return nil, fmt.Errorf("%w: %v", errNextModel, lastErr)
}

func (r *Router) provider(id string) (providers.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[id]; ok {
		return p, nil
	}
	mc, ok := r.cfg.Model(id)
	if !ok {
		return nil, fmt.Errorf("model %s not configured", id)
	}
	p := r.factory(mc, r.creds.Resolve(mc.APIKeyRef))
	r.cache[id] = p
	return p, nil
}

type failureKind int

const (
	failTransient failureKind = iota
	failRateLimited
	failQuota
	failAuth
	failNotFound
)

var quotaBodyPatterns = []string{"quota", "billing", "insufficient", "payment required", "credit"}

func classify(e *providers.HTTPError) failureKind {
	body := strings.ToLower(e.Body)
	switch {
	case e.StatusCode == 429:
		for _, p := range quotaBodyPatterns {
			if strings.Contains(body, p) {
				return failQuota
			}
		}
		return failRateLimited
	case e.StatusCode == 402:
		return failQuota
	case e.StatusCode == 401 || e.StatusCode == 403:
		return failAuth
	case e.StatusCode == 404:
		return failNotFound
	case e.StatusCode >= 500:
		return failTransient
	case e.StatusCode == 400:
		for _, p := range quotaBodyPatterns {
			if strings.Contains(body, p) {
				return failQuota
			}
		}
		return failNotFound
	default:
		return failTransient
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
