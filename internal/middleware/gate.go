// Package middleware implements the admission gate that sits in front of
// every Gatekeeper route. Each request is resolved to a rate-limit key and
// charged one token before any downstream handler runs.
package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/playbaseball/gatekeeper/internal/events"
	"github.com/playbaseball/gatekeeper/internal/observability"
	"github.com/playbaseball/gatekeeper/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("gatekeeper.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a ChaCha8 CSPRNG seeded once from crypto/rand.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// requestIDMu guards requestIDRng; ChaCha8 is not safe for concurrent use.
var requestIDMu sync.Mutex

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// Decision is the outcome of admitting one request.
type Decision uint8

const (
	DecisionAllow Decision = iota
	DecisionReject
	DecisionFault
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionReject:
		return "reject"
	default:
		return "fault"
	}
}

var errEmptyKey = errors.New("resolver produced an empty key")

// ErrorBody is the JSON body of every error the gate writes.
type ErrorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

const (
	rejectMessage = "Rate limit exceeded. Please try again later."
	faultMessage  = "Request could not be admitted. Please try again later."
)

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

var rejectBody = mustJSON(ErrorBody{
	Status:  http.StatusTooManyRequests,
	Error:   http.StatusText(http.StatusTooManyRequests),
	Message: rejectMessage,
})

// WriteJSONError writes body with the given status and a JSON content type.
func WriteJSONError(w http.ResponseWriter, code int, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// policy is the part of the configuration read on every request.
type policy struct {
	failureCode int
	faultBody   []byte
	retryAfter  string
}

func newPolicy(rl config.RateLimitConfig, lim ratelimit.Limits) *policy {
	code := rl.FailureCode
	if code == 0 {
		code = http.StatusServiceUnavailable
	}
	return &policy{
		failureCode: code,
		faultBody: mustJSON(ErrorBody{
			Status:  code,
			Error:   http.StatusText(code),
			Message: faultMessage,
		}),
		retryAfter: retryAfterSeconds(lim),
	}
}

// retryAfterSeconds is the time one token takes to come back, or the
// eviction TTL when tokens never come back. It reveals nothing about the
// caller's own bucket.
func retryAfterSeconds(lim ratelimit.Limits) string {
	secs := lim.EvictionTTL.Seconds()
	if lim.RefillRatePerSecond > 0 {
		secs = 1 / lim.RefillRatePerSecond
	}
	return strconv.FormatInt(max(1, int64(math.Ceil(secs))), 10)
}

// ResolverFactory builds a resolver for a key-strategy configuration. Reload
// uses it to swap the resolver.
type ResolverFactory func(cfg config.KeyStrategyConfig) (*ratelimit.Resolver, error)

// EventSink receives admission decisions. Emit must not block.
type EventSink interface {
	Emit(ev events.Event)
}

// Option configures a Gate.
type Option func(*Gate)

// WithEvents reports rejections and faults to sink. includeAllowed adds
// admitted requests as well.
func WithEvents(sink EventSink, includeAllowed bool) Option {
	return func(g *Gate) {
		g.events = sink
		g.eventsAllowed = includeAllowed
	}
}

// Gate admits or rejects requests before handing them to next. The resolver,
// store and policy are swapped atomically, so Reload never blocks the hot
// path.
type Gate struct {
	next        http.Handler
	logger      *slog.Logger
	metrics     *observability.Metrics
	newResolver ResolverFactory

	resolver atomic.Pointer[ratelimit.Resolver]
	store    atomic.Pointer[ratelimit.Store]
	policy   atomic.Pointer[policy]

	rejectLog rate.Sometimes
	faultLog  rate.Sometimes

	events        EventSink
	eventsAllowed bool

	reloadMu sync.Mutex
}

// NewGate builds a Gate for cfg. store is owned by the gate and closed by
// Close.
func NewGate(
	cfg *config.Config,
	next http.Handler,
	store ratelimit.Store,
	newResolver ResolverFactory,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts ...Option,
) (*Gate, error) {
	lim, err := ratelimit.LimitsFromConfig(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	resolver, err := newResolver(cfg.RateLimit.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("key strategy: %w", err)
	}

	g := &Gate{
		next:        next,
		logger:      logger,
		metrics:     metrics,
		newResolver: newResolver,
		rejectLog:   rate.Sometimes{First: 1, Interval: 10 * time.Second},
		faultLog:    rate.Sometimes{First: 10, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.resolver.Store(resolver)
	if store != nil {
		g.store.Store(&store)
	}
	g.policy.Store(newPolicy(cfg.RateLimit, lim))
	return g, nil
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for handlers that assert it directly.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// ServeHTTP admits r and then serves it, rejects it with 429, or fails
// closed with the configured failure code.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		g.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(time.Since(start).Seconds())
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	switch g.Admit(r) {
	case DecisionAllow:
		g.next.ServeHTTP(sw, r)
	case DecisionReject:
		sw.Header().Set("Retry-After", g.policy.Load().retryAfter)
		WriteJSONError(sw, http.StatusTooManyRequests, rejectBody)
	default:
		p := g.policy.Load()
		WriteJSONError(sw, p.failureCode, p.faultBody)
	}
}

// Admit resolves r to a key and takes one token. It never panics: a panic
// in the resolver or store is recovered and reported as DecisionFault.
func (g *Gate) Admit(r *http.Request) (d Decision) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "gatekeeper.admit")
	var key ratelimit.Key

	defer func() {
		if p := recover(); p != nil {
			d = g.fault(r, key, observability.StagePanic, fmt.Errorf("panic during admission: %v", p))
			span.SetStatus(codes.Error, "panic")
		}
		span.SetAttributes(attribute.String("admission.decision", d.String()))
		span.End()
		g.metrics.PromAdmitDuration.WithLabelValues(d.String()).Observe(time.Since(start).Seconds())
	}()

	resolver := g.resolver.Load()
	sp := g.store.Load()
	if resolver == nil || sp == nil || *sp == nil {
		return g.fault(r, key, observability.StageConfig, errors.New("admission gate has no resolver or store"))
	}

	key = resolve(ctx, resolver, r)
	if key.ID == "" {
		return g.fault(r, key, observability.StageResolve, errEmptyKey)
	}
	g.metrics.IncIdentity(key.Kind.String())

	allowed, err := consume(ctx, *sp, key)
	if err != nil {
		g.metrics.IncStoreErrors()
		return g.fault(r, key, observability.StageConsume, err)
	}
	if !allowed {
		g.metrics.IncRejected()
		g.rejectLog.Do(func() {
			g.logger.Info("rate limit exceeded",
				"key_kind", key.Kind.String(),
				"request_id", r.Header.Get(requestIDHeader))
		})
		g.emit(r, key, DecisionReject, "")
		return DecisionReject
	}
	g.metrics.IncAdmitted()
	if g.eventsAllowed {
		g.emit(r, key, DecisionAllow, "")
	}
	return DecisionAllow
}

// resolve and consume end their spans even when the resolver or store
// panics; Admit recovers the panic.
func resolve(ctx context.Context, resolver *ratelimit.Resolver, r *http.Request) (key ratelimit.Key) {
	_, span := tracer.Start(ctx, "gatekeeper.resolve")
	defer func() {
		span.SetAttributes(attribute.String("ratelimit.key_kind", key.Kind.String()))
		span.End()
	}()
	return resolver.ResolveRequest(r)
}

func consume(ctx context.Context, store ratelimit.Store, key ratelimit.Key) (bool, error) {
	ctx, span := tracer.Start(ctx, "gatekeeper.consume")
	defer span.End()
	allowed, err := store.TryConsume(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store error")
	}
	return allowed, err
}

func (g *Gate) fault(r *http.Request, key ratelimit.Key, stage string, err error) Decision {
	g.metrics.IncFault(stage)
	g.emit(r, key, DecisionFault, stage)
	g.faultLog.Do(func() {
		g.logger.Error("admission fault, failing closed",
			"stage", stage,
			"error", err,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"request_id", r.Header.Get(requestIDHeader))
	})
	return DecisionFault
}

func (g *Gate) emit(r *http.Request, key ratelimit.Key, d Decision, stage string) {
	if g.events == nil {
		return
	}
	ev := events.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  d.String(),
		Stage:     stage,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get(requestIDHeader),
	}
	if key.ID != "" {
		ev.KeyKind = key.Kind.String()
		ev.Key = key.String()
	}
	g.events.Emit(ev)
}

// Reload applies cfg's bucket limits, key strategy and failure code. The
// running state is kept when cfg cannot be applied.
func (g *Gate) Reload(cfg *config.Config) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	lim, err := ratelimit.LimitsFromConfig(cfg.RateLimit, g.logger)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	resolver, err := g.newResolver(cfg.RateLimit.KeyStrategy)
	if err != nil {
		return fmt.Errorf("key strategy: %w", err)
	}

	if sp := g.store.Load(); sp != nil {
		(*sp).SetLimits(lim)
	}
	g.resolver.Store(resolver)
	g.policy.Store(newPolicy(cfg.RateLimit, lim))

	g.logger.Info("admission gate reloaded",
		"capacity", lim.Capacity,
		"refill_rate_per_second", lim.RefillRatePerSecond,
		"eviction_ttl", lim.EvictionTTL,
		"key_strategy", cfg.RateLimit.KeyStrategy.Type)
	return nil
}

// Close closes the store. Requests admitted afterwards fail closed.
func (g *Gate) Close() error {
	sp := g.store.Load()
	if sp == nil {
		return nil
	}
	return (*sp).Close()
}
