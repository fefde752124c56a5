package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
)

const writeTimeout = 10 * time.Second

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Writer queues records for one sink and writes them from a single worker,
// in enqueue order. A full queue drops the record.
type Writer struct {
	sink        Sink
	queue       chan job
	retryConfig *resilience.RetryConfig
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWriter starts a worker for sink
func NewWriter(sink Sink, queueSize int, retryConfig *resilience.RetryConfig) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if retryConfig == nil {
		retryConfig = resilience.DefaultRetryConfig()
	}
	w := &Writer{
		sink:        sink,
		queue:       make(chan job, queueSize),
		retryConfig: retryConfig,
		logger:      observability.WithComponent("store").With().Str("sink", sink.Name()).Logger(),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// SaveSession queues a session start
func (w *Writer) SaveSession(rec SessionRecord) {
	w.enqueue(job{kind: "session", run: func(ctx context.Context) error { return w.sink.SaveSession(ctx, rec) }})
}

// EndSession queues a session end
func (w *Writer) EndSession(rec SessionRecord) {
	w.enqueue(job{kind: "session_end", run: func(ctx context.Context) error { return w.sink.EndSession(ctx, rec) }})
}

// SaveLine queues a final transcript line
func (w *Writer) SaveLine(rec LineRecord) {
	w.enqueue(job{kind: "line", run: func(ctx context.Context) error { return w.sink.SaveLine(ctx, rec) }})
}

// SaveAIResponse queues an AI response
func (w *Writer) SaveAIResponse(rec AIResponseRecord) {
	w.enqueue(job{kind: "ai_response", run: func(ctx context.Context) error { return w.sink.SaveAIResponse(ctx, rec) }})
}

func (w *Writer) enqueue(j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		observability.RecordStoreWrite(w.sink.Name(), "dropped")
		return
	}
	select {
	case w.queue <- j:
	default:
		observability.RecordStoreWrite(w.sink.Name(), "dropped")
		w.logger.Warn().Str("kind", j.kind).Int("queue_size", cap(w.queue)).Msg("Persistence queue full, dropping record")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.queue {
		w.write(j)
	}
}

func (w *Writer) write(j job) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordStoreWrite(w.sink.Name(), "error")
			w.logger.Error().Interface("panic", r).Str("kind", j.kind).Msg("Recovered from panic in persistence worker")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := resilience.Retry(ctx, j.run, w.retryConfig, resilience.IsRetryableNetworkError)
	if err != nil {
		observability.RecordStoreWrite(w.sink.Name(), "error")
		w.logger.Error().Err(err).Str("kind", j.kind).Msg("Failed to persist record")
		return
	}
	observability.RecordStoreWrite(w.sink.Name(), "ok")
}

// Close stops accepting records, drains the queue until ctx ends, then
// closes the sink
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	var drainErr error
	select {
	case <-w.done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("persistence queue not drained: %w", ctx.Err())
	}
	return errors.Join(drainErr, w.sink.Close())
}

// Writers fans each record out to several writers
type Writers []*Writer

// SaveSession queues a session start on every writer
func (ws Writers) SaveSession(rec SessionRecord) {
	for _, w := range ws {
		w.SaveSession(rec)
	}
}

// EndSession queues a session end on every writer
func (ws Writers) EndSession(rec SessionRecord) {
	for _, w := range ws {
		w.EndSession(rec)
	}
}

// SaveLine queues a line on every writer
func (ws Writers) SaveLine(rec LineRecord) {
	for _, w := range ws {
		w.SaveLine(rec)
	}
}

// SaveAIResponse queues an AI response on every writer
func (ws Writers) SaveAIResponse(rec AIResponseRecord) {
	for _, w := range ws {
		w.SaveAIResponse(rec)
	}
}

// Close closes every writer
func (ws Writers) Close(ctx context.Context) error {
	var errs []error
	for _, w := range ws {
		errs = append(errs, w.Close(ctx))
	}
	return errors.Join(errs...)
}
