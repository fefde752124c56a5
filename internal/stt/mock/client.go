// Package mock provides scripted and simulated STT clients for running
// without cloud credentials.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/meet-transcriber/internal/stt"
)

// Client is a scripted stt.STTClient. Tests push candidates with Emit and
// end the stream with Fail or Close.
type Client struct {
	Config stt.StreamConfig

	mu        sync.Mutex
	results   chan *stt.TranscriptionResult
	received  [][]byte
	startErr  error
	startGate <-chan struct{}
	sendGate  chan struct{}
	err       error
	started   bool
	closed    bool
	closeSeen chan struct{}
}

// NewClient creates a scripted client
func NewClient(cfg stt.StreamConfig) *Client {
	return &Client{
		Config:    cfg,
		results:   make(chan *stt.TranscriptionResult, 256),
		closeSeen: make(chan struct{}),
	}
}

// Start marks the client started or returns the configured start error.
// While a start gate is held it blocks without watching ctx, the way a
// provider dial can.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	gate := c.startGate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

// SendAudio records the chunk. It blocks while the send gate is held.
func (c *Client) SendAudio(audioData []byte) error {
	c.mu.Lock()
	gate := c.sendGate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stt.NewRecognizerError("mock", stt.ErrorStreamClosed, nil)
	}
	chunk := make([]byte, len(audioData))
	copy(chunk, audioData)
	c.received = append(c.received, chunk)
	return nil
}

// GetTranscription returns the candidate channel
func (c *Client) GetTranscription() <-chan *stt.TranscriptionResult {
	return c.results
}

// Err returns the error passed to Fail
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the stream cleanly
func (c *Client) Close() error {
	c.end(nil)
	return nil
}

// Emit pushes one candidate. It reports false once the stream has ended.
func (c *Client) Emit(result *stt.TranscriptionResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.results <- result
	return true
}

// Interim pushes an interim candidate
func (c *Client) Interim(text string) bool {
	return c.Emit(&stt.TranscriptionResult{Text: text, Confidence: 0.5})
}

// Final pushes a final candidate
func (c *Client) Final(text string, confidence float64) bool {
	return c.Emit(&stt.TranscriptionResult{Text: text, IsFinal: true, Confidence: confidence})
}

// Fail ends the stream with err, as a provider would on a terminal failure
func (c *Client) Fail(err error) {
	c.end(err)
}

func (c *Client) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	if c.sendGate != nil {
		close(c.sendGate)
		c.sendGate = nil
	}
	close(c.results)
	close(c.closeSeen)
}

// HoldSends makes SendAudio block until ReleaseSends or the stream ends
func (c *Client) HoldSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendGate == nil && !c.closed {
		c.sendGate = make(chan struct{})
	}
}

// ReleaseSends unblocks SendAudio
func (c *Client) ReleaseSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendGate != nil {
		close(c.sendGate)
		c.sendGate = nil
	}
}

// SetStartError makes Start fail
func (c *Client) SetStartError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startErr = err
}

// Received returns copies of every chunk sent so far
func (c *Client) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.received))
	copy(out, c.received)
	return out
}

// ReceivedBytes returns the total number of audio bytes sent
func (c *Client) ReceivedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, chunk := range c.received {
		n += len(chunk)
	}
	return n
}

// Started reports whether Start succeeded
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Closed reports whether the stream has ended
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WaitClosed waits for the stream to end
func (c *Client) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.closeSeen:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Provider hands out scripted clients and keeps them for inspection
type Provider struct {
	mu       sync.Mutex
	clients  []*Client
	newErr    error
	startErr  error
	startGate <-chan struct{}
	created   chan *Client
}

// NewProvider creates a scripted provider
func NewProvider() *Provider {
	return &Provider{created: make(chan *Client, 64)}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mock"
}

// NewClient creates and records a scripted client
func (p *Provider) NewClient(cfg stt.StreamConfig) (stt.STTClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newErr != nil {
		return nil, p.newErr
	}
	c := NewClient(cfg)
	if p.startErr != nil {
		c.SetStartError(p.startErr)
	}
	c.startGate = p.startGate
	p.clients = append(p.clients, c)
	select {
	case p.created <- c:
	default:
	}
	return c, nil
}

// FailNewClient makes NewClient fail
func (p *Provider) FailNewClient(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newErr = err
}

// FailStart makes subsequently created clients fail Start
func (p *Provider) FailStart(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// HoldStarts makes clients created from now on block in Start until gate
// is closed. A nil gate stops holding.
func (p *Provider) HoldStarts(gate <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startGate = gate
}

// Clients returns every client created so far
func (p *Provider) Clients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, len(p.clients))
	copy(out, p.clients)
	return out
}

// Next waits for the next created client
func (p *Provider) Next(timeout time.Duration) *Client {
	select {
	case c := <-p.created:
		return c
	case <-time.After(timeout):
		return nil
	}
}
