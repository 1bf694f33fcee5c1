// Package events delivers admission decisions to an external webhook.
// Events are queued in a bounded buffer and POSTed in JSON batches from a
// single background goroutine, so Emit never blocks a request.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/playbaseball/gatekeeper/internal/observability"
	"golang.org/x/time/rate"
)

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 10000
	defaultFlushInterval = 5 * time.Second
	defaultSendTimeout   = 10 * time.Second
)

// Event is one admission decision.
type Event struct {
	Timestamp string `json:"timestamp"` // RFC 3339, UTC
	Decision  string `json:"decision"`
	Stage     string `json:"stage,omitempty"` // faults only
	KeyKind   string `json:"key_kind,omitempty"`
	Key       string `json:"key,omitempty"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

type batch struct {
	Events []Event `json:"events"`
}

// Emitter buffers events and flushes them to the configured URL. When the
// buffer is full the oldest event is discarded.
type Emitter struct {
	url           string
	client        *http.Client
	logger        *slog.Logger
	metrics       *observability.Metrics
	batchSize     int
	flushInterval time.Duration

	mu    sync.Mutex
	queue []Event
	start int
	size  int

	kick      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	sendErrLog rate.Sometimes
}

// NewEmitter starts an Emitter for cfg. It returns nil, nil when events are
// disabled; a nil *Emitter accepts and discards events.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) (*Emitter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("events url is empty")
	}

	flush, err := config.ParseDuration(cfg.FlushInterval, defaultFlushInterval)
	if err != nil {
		return nil, fmt.Errorf("events flush_interval: %w", err)
	}
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	timeout, err := config.ParseDuration(cfg.Timeout, defaultSendTimeout)
	if err != nil {
		return nil, fmt.Errorf("events timeout: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchSize = min(batchSize, bufferSize)

	e := &Emitter{
		url:           cfg.URL,
		client:        &http.Client{Timeout: timeout},
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		batchSize:     batchSize,
		flushInterval: flush,
		queue:         make([]Event, bufferSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		sendErrLog:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}

	e.wg.Add(1)
	go e.loop()
	return e, nil
}

// Emit queues ev. It never blocks on the network.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	e.mu.Lock()
	capacity := len(e.queue)
	e.queue[(e.start+e.size)%capacity] = ev
	dropped := e.size == capacity
	if dropped {
		e.start = (e.start + 1) % capacity
	} else {
		e.size++
	}
	full := e.size >= e.batchSize
	e.mu.Unlock()

	if dropped {
		e.metrics.IncEventsDropped()
	}
	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many events are waiting to be sent.
func (e *Emitter) Pending() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// Close stops the background loop and sends whatever is still queued.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.flush()
		case <-e.kick:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		events := e.take()
		if len(events) == 0 {
			return
		}
		e.send(events)
	}
}

// take removes up to one batch from the head of the queue.
func (e *Emitter) take() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := min(e.size, e.batchSize)
	if n == 0 {
		return nil
	}
	capacity := len(e.queue)
	out := make([]Event, n)
	for i := range out {
		idx := (e.start + i) % capacity
		out[i] = e.queue[idx]
		e.queue[idx] = Event{}
	}
	e.start = (e.start + n) % capacity
	e.size -= n
	return out
}

func (e *Emitter) send(events []Event) {
	body, err := json.Marshal(batch{Events: events})
	if err != nil {
		e.logger.Error("failed to encode event batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to build event request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gatekeeper-events")

	resp, err := e.client.Do(req)
	if err != nil {
		e.sendErrLog.Do(func() {
			e.logger.Warn("event batch not delivered", "error", err, "count", len(events))
		})
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		e.sendErrLog.Do(func() {
			e.logger.Warn("event receiver rejected batch", "status", resp.StatusCode, "count", len(events))
		})
	}
}
