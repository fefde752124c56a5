package stt

import (
	"context"
	"sync"
	"sync/atomic"
)

// resultStream owns the candidate channel of one client. Sends and the final
// close are serialised so a late provider callback can never write to a
// closed channel.
type resultStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan *TranscriptionResult
	mu      sync.RWMutex
	done    bool
	err     error
	closing atomic.Bool
}

func newResultStream(buffer int) *resultStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &resultStream{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan *TranscriptionResult, buffer),
	}
}

// emit blocks until the reader takes the result or the stream ends
func (s *resultStream) emit(result *TranscriptionResult) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return false
	}
	select {
	case s.out <- result:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish ends the stream once. Errors reported after Close was requested
// are discarded.
func (s *resultStream) finish(err error) {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if !s.closing.Load() {
		s.err = err
	}
	close(s.out)
}

func (s *resultStream) isDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

func (s *resultStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
