package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Failure threshold and recovery cadence, ported from the reference Brain's
// FAIL_THRESHOLD / RECOVERY_CHECK_INTERVAL class constants.
const (
	FailThreshold          = 3
	RecoveryCheckInterval  = 60 * time.Second
	startupProbeTimeout    = 15 * time.Second
	recoveryProbeTimeout   = 10 * time.Second
)

// ErrAllEndpointsFailed is returned when every endpoint in the pool rejected
// a request during a single dispatch attempt.
var ErrAllEndpointsFailed = fmt.Errorf("all LLM endpoints failed")

// EndpointConfig describes one configured LLM endpoint before the pool
// constructs its dialect client.
type EndpointConfig struct {
	Name     string
	Kind     string // "native" | "openai" | "ollama"
	BaseURL  string
	Model    string
	APIKey   string
	Priority int // lower sorts first, mirrors the reference LLMEndpoint.priority
}

// endpoint is the pool's live bookkeeping record for one configured
// endpoint, a direct port of the reference Brain's LLMEndpoint dataclass.
type endpoint struct {
	name      string
	priority  int
	dialect   Dialect
	mu        sync.Mutex
	healthy   bool
	failCount int
	lastCheck time.Time
}

// Pool is the LLM endpoint pool: parallel startup health probe,
// round-robin-from-current dispatch with sticky fallback, and a background
// primary-recovery probe. Grounded on the reference Brain class.
type Pool struct {
	endpoints []*endpoint

	mu         sync.Mutex
	currentIdx int

	recoveryInProgress bool
	logger             *slog.Logger

	pinnedIdx   int
	pinnedUntil time.Time // zero value means no pin active
}

// NewPool sorts configs by priority, builds one dialect client per
// endpoint, and returns a Pool ready for StartupHealthCheck.
func NewPool(configs []EndpointConfig, logger *slog.Logger) (*Pool, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("llm: at least one endpoint is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sorted := append([]EndpointConfig(nil), configs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority < sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	p := &Pool{logger: logger}
	for _, c := range sorted {
		dialect, err := buildDialect(c)
		if err != nil {
			return nil, fmt.Errorf("llm: endpoint %s: %w", c.Name, err)
		}
		p.endpoints = append(p.endpoints, &endpoint{
			name:     c.Name,
			priority: c.Priority,
			dialect:  dialect,
			healthy:  true,
		})
	}
	return p, nil
}

func buildDialect(c EndpointConfig) (Dialect, error) {
	switch c.Kind {
	case "openai":
		return NewOpenAIDialect(c.APIKey, c.BaseURL, c.Model), nil
	case "ollama":
		return NewOllamaDialect(c.BaseURL, c.Model)
	default:
		return NewNativeDialect(c.APIKey, c.BaseURL, c.Model), nil
	}
}

// StartupHealthCheck probes every endpoint concurrently with a short probe
// request and picks the highest-priority healthy one as current, exactly
// mirroring the reference _startup_health_check's ThreadPoolExecutor fan-out.
func (p *Pool) StartupHealthCheck(ctx context.Context) {
	p.logger.Info("llm: performing startup health check (parallel)")

	results := make([]bool, len(p.endpoints))
	var wg sync.WaitGroup
	for i, ep := range p.endpoints {
		wg.Add(1)
		go func(i int, ep *endpoint) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
			defer cancel()
			err := probe(probeCtx, ep.dialect)
			results[i] = err == nil
			if err != nil {
				p.logger.Warn("llm: endpoint failed startup probe", "endpoint", ep.name, "error", err)
			} else {
				p.logger.Info("llm: endpoint healthy", "endpoint", ep.name)
			}
		}(i, ep)
	}
	wg.Wait()

	for i, ep := range p.endpoints {
		ep.mu.Lock()
		if results[i] {
			ep.healthy = true
			ep.failCount = 0
		} else {
			ep.healthy = false
			ep.failCount = FailThreshold
		}
		ep.lastCheck = time.Now()
		ep.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ep := range p.endpoints {
		ep.mu.Lock()
		h := ep.healthy
		ep.mu.Unlock()
		if h {
			p.currentIdx = i
			p.logger.Info("llm: using endpoint as current", "endpoint", ep.name)
			return
		}
	}
	p.logger.Error("llm: all endpoints failed startup health check, will retry on first request")
	p.currentIdx = 0
}

func probe(ctx context.Context, d Dialect) error {
	_, err := d.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Options:  map[string]any{OptMaxTokens: 10},
	})
	return err
}

// Chat dispatches a request with sticky fallback: it starts at the current
// endpoint, tries each endpoint in the pool at most once (wrapping around),
// and on success pins the pool to whichever endpoint served it — it does
// NOT re-assert priority order on the next call. A background goroutine
// separately probes for primary recovery.
func (p *Pool) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.dispatch(ctx, func(d Dialect) (*ChatResponse, error) {
		return d.Chat(ctx, req)
	})
}

// ChatStream is the streaming counterpart of Chat, same sticky-fallback dispatch.
func (p *Pool) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return p.dispatch(ctx, func(d Dialect) (*ChatResponse, error) {
		return d.ChatStream(ctx, req, onChunk)
	})
}

func (p *Pool) dispatch(ctx context.Context, call func(Dialect) (*ChatResponse, error)) (*ChatResponse, error) {
	p.mu.Lock()
	pinned := !p.pinnedUntil.IsZero() && time.Now().Before(p.pinnedUntil)
	if !pinned {
		p.pinnedUntil = time.Time{}
	}
	p.mu.Unlock()

	if !pinned {
		p.maybeRecoverPrimary()
	}

	p.mu.Lock()
	startIdx := p.currentIdx
	if pinned {
		startIdx = p.pinnedIdx
	}
	n := len(p.endpoints)
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < n; attempt++ {
		idx := (startIdx + attempt) % n
		p.mu.Lock()
		ep := p.endpoints[idx]
		p.mu.Unlock()

		p.logger.Info("llm: sending request", "endpoint", ep.name)
		resp, err := call(ep.dialect)
		if err == nil {
			p.markSuccess(ep)
			p.mu.Lock()
			p.currentIdx = idx
			p.mu.Unlock()
			if idx > 0 {
				p.logger.Info("llm: served by backup endpoint", "endpoint", ep.name)
			}
			resp.EndpointName = ep.name
			return resp, nil
		}

		lastErr = err
		p.logger.Warn("llm: request failed", "endpoint", ep.name, "error", err)
		p.markFailed(ep)
	}

	return nil, fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

func (p *Pool) markSuccess(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.failCount = 0
	ep.healthy = true
	ep.lastCheck = time.Now()
}

func (p *Pool) markFailed(ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.failCount++
	if ep.failCount >= FailThreshold {
		ep.healthy = false
		p.logger.Warn("llm: endpoint marked unhealthy", "endpoint", ep.name, "failures", ep.failCount)
	}
}

// maybeRecoverPrimary launches a non-blocking background probe of the
// primary (index 0) endpoint once RecoveryCheckInterval has elapsed since
// its last check, switching back to it on success. A direct port of the
// reference Brain's _maybe_recover_primary.
func (p *Pool) maybeRecoverPrimary() {
	p.mu.Lock()
	if p.currentIdx == 0 || len(p.endpoints) == 0 {
		p.mu.Unlock()
		return
	}
	primary := p.endpoints[0]
	p.mu.Unlock()

	primary.mu.Lock()
	since := time.Since(primary.lastCheck)
	alreadyChecking := p.recoveryInProgress
	if since < RecoveryCheckInterval || alreadyChecking {
		primary.mu.Unlock()
		return
	}
	primary.lastCheck = time.Now()
	primary.mu.Unlock()

	p.mu.Lock()
	p.recoveryInProgress = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.recoveryInProgress = false
			p.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), recoveryProbeTimeout)
		defer cancel()

		p.logger.Info("llm: checking if primary endpoint has recovered")
		if err := probe(ctx, primary.dialect); err != nil {
			p.logger.Debug("llm: primary endpoint still down", "error", err)
			return
		}

		p.logger.Info("llm: primary endpoint recovered, will use on next request")
		primary.mu.Lock()
		primary.healthy = true
		primary.failCount = 0
		primary.mu.Unlock()

		p.mu.Lock()
		p.currentIdx = 0
		p.mu.Unlock()
	}()
}

// CurrentEndpointInfo reports the pool's current endpoint for /status and
// the C8 system-command interceptor's /switch flow.
func (p *Pool) CurrentEndpointInfo() (name string, healthy bool) {
	p.mu.Lock()
	idx := p.currentIdx
	p.mu.Unlock()
	ep := p.endpoints[idx]
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.name, ep.healthy
}

// Names returns every configured endpoint's name in priority order, used by
// the fuzzy-matched /switch command.
func (p *Pool) Names() []string {
	names := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		names[i] = ep.name
	}
	return names
}

// SwitchTo makes the named endpoint current without setting a pin, so sticky
// fallback and background recovery still apply; the syscmd /switch flow uses
// PinTemporary instead. Returns false if the name is unknown or unhealthy.
func (p *Pool) SwitchTo(name string) bool {
	for i, ep := range p.endpoints {
		if ep.name != name {
			continue
		}
		ep.mu.Lock()
		h := ep.healthy
		ep.mu.Unlock()
		if !h {
			return false
		}
		p.mu.Lock()
		p.currentIdx = i
		p.mu.Unlock()
		return true
	}
	return false
}

// PinTemporary pins dispatch to the named endpoint for ttl, overriding
// sticky fallback and background recovery, per the /switch confirm flow's
// 12-hour TTL (§4.8). Returns false if the name is unknown or unhealthy.
func (p *Pool) PinTemporary(name string, ttl time.Duration) bool {
	for i, ep := range p.endpoints {
		if ep.name != name {
			continue
		}
		ep.mu.Lock()
		h := ep.healthy
		ep.mu.Unlock()
		if !h {
			return false
		}
		p.mu.Lock()
		p.pinnedIdx = i
		p.pinnedUntil = time.Now().Add(ttl)
		p.currentIdx = i
		p.mu.Unlock()
		return true
	}
	return false
}

// ClearPin releases a temporary pin set by PinTemporary, used by /restore.
// Reports whether a pin was actually active.
func (p *Pool) ClearPin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := !p.pinnedUntil.IsZero() && time.Now().Before(p.pinnedUntil)
	p.pinnedUntil = time.Time{}
	return active
}

// SetPriorityOrder applies a new endpoint priority ordering in memory, used by
// the /priority confirm flow; the order is not written to the config file, so
// a restart returns to the configured order. names must be a permutation of every configured
// endpoint name; otherwise it returns an error and leaves ordering intact.
func (p *Pool) SetPriorityOrder(names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(names) != len(p.endpoints) {
		return fmt.Errorf("llm: priority order must name all %d endpoints, got %d", len(p.endpoints), len(names))
	}
	byName := make(map[string]*endpoint, len(p.endpoints))
	for _, ep := range p.endpoints {
		byName[ep.name] = ep
	}
	reordered := make([]*endpoint, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		ep, ok := byName[n]
		if !ok {
			return fmt.Errorf("llm: unknown endpoint %q", n)
		}
		if seen[n] {
			return fmt.Errorf("llm: duplicate endpoint %q in priority order", n)
		}
		seen[n] = true
		reordered = append(reordered, ep)
	}

	currentName := p.endpoints[p.currentIdx].name
	for i, ep := range reordered {
		ep.priority = i
	}
	p.endpoints = reordered
	for i, ep := range p.endpoints {
		if ep.name == currentName {
			p.currentIdx = i
			break
		}
	}
	return nil
}
