package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultFallbacks lists the simpler mode each richer tool type degrades to.
var DefaultFallbacks = map[string][]string{
	TypeRAGHybrid: {TypeRAGNaive},
	TypeWebFetch:  {TypeWebFetchHTTP},
}

// Config tunes retries and timeouts.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Fallbacks      map[string][]string
	// RatePerSecond limits calls across all tools. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 300 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Fallbacks == nil {
		c.Fallbacks = DefaultFallbacks
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// FailurePayload is the structured output of an invocation whose retries and
// fallbacks were all exhausted.
type FailurePayload struct {
	Status   string   `json:"status"`
	ToolType string   `json:"tool_type"`
	Query    string   `json:"query"`
	Tried    []string `json:"tried"`
	Attempts int      `json:"attempts"`
	Error    string   `json:"error"`
}

// Resilient wraps a Registry with per-attempt timeouts, exponential backoff
// retries and a fallback chain. It never returns an error to the caller.
type Resilient struct {
	reg     *Registry
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures Resilient.
type Option func(*Resilient)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resilient) { r.log = log.With().Str("component", "tools").Logger() }
}

// WithMetrics records call outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resilient) { r.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resilient) {
		if t != nil {
			r.tracer = t
		}
	}
}

// NewResilient builds an Invoker over reg.
func NewResilient(reg *Registry, cfg Config, opts ...Option) *Resilient {
	cfg = cfg.withDefaults()
	r := &Resilient{
		reg:    reg,
		cfg:    cfg,
		log:    zerolog.Nop(),
		tracer: otel.Tracer("researcher/tools"),
	}
	if cfg.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke implements Invoker.
func (r *Resilient) Invoke(ctx context.Context, toolType, query string) Result {
	start := time.Now()
	toolType = normalizeType(toolType)
	ctx, span := r.tracer.Start(ctx, "tools.invoke", trace.WithAttributes(
		attribute.String("tool.type", toolType),
	))
	defer span.End()

	chain := r.chain(toolType)
	attempts := 0
	var lastErr error
	for i, tt := range chain {
		if i > 0 {
			r.log.Info().Str("from", chain[i-1]).Str("to", tt).Err(lastErr).Msg("tool falling back")
			r.metrics.ToolFallback(chain[i-1], tt)
		}
		out, n, err := r.callWithRetry(ctx, tt, query)
		attempts += n
		if err == nil {
			d := time.Since(start)
			r.metrics.ToolCall(tt, false, d)
			span.SetAttributes(attribute.String("tool.used", tt), attribute.Int("tool.attempts", attempts))
			return Result{ToolType: tt, Output: out, Attempts: attempts, Duration: d}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	d := time.Since(start)
	r.metrics.ToolCall(toolType, true, d)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "tool exhausted")
	r.log.Warn().Err(lastErr).Str("tool_type", toolType).Int("attempts", attempts).Msg("tool invocation failed")
	return Result{
		ToolType: toolType,
		Output:   failurePayload(toolType, query, chain, attempts, lastErr),
		Failed:   true,
		Attempts: attempts,
		Duration: d,
	}
}

func (r *Resilient) chain(toolType string) []string {
	chain := []string{toolType}
	seen := map[string]bool{toolType: true}
	for _, fb := range r.cfg.Fallbacks[toolType] {
		fb = normalizeType(fb)
		if fb == "" || seen[fb] {
			continue
		}
		seen[fb] = true
		chain = append(chain, fb)
	}
	return chain
}

func (r *Resilient) callWithRetry(ctx context.Context, toolType, query string) (string, int, error) {
	tool, err := r.reg.Lookup(toolType)
	if err != nil {
		return "", 0, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.cfg.MaxRetries)), ctx)

	attempts := 0
	var out string
	op := func() error {
		attempts++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		res, err := tool.Call(actx, query)
		if err != nil {
			if errors.Is(err, ErrInvalidQuery) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if strings.TrimSpace(res) == "" {
			return fmt.Errorf("%s returned an empty answer", toolType)
		}
		out = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug().Err(err).Str("tool_type", toolType).Dur("backoff", wait).Msg("tool attempt failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", attempts, err
	}
	return out, attempts, nil
}

func failurePayload(toolType, query string, tried []string, attempts int, err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	b, _ := json.Marshal(FailurePayload{
		Status:   "failed",
		ToolType: toolType,
		Query:    query,
		Tried:    tried,
		Attempts: attempts,
		Error:    msg,
	})
	return string(b)
}

var _ Invoker = (*Resilient)(nil)
