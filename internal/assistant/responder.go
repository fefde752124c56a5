package assistant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
)

// Apologies returned in place of an answer when the answerer fails
const (
	VoiceApology  = "Sorry, I had trouble processing that voice command. Please try again."
	ManualApology = "I apologize, but I encountered an error processing your question. Please try rephrasing it."
	DisabledReply = "AI Q&A is currently disabled for this session."
)

// Trigger identifies what caused a response
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerVoiceCommand Trigger = "voice_command"
)

// Request is one question for the responder
type Request struct {
	SessionID string
	Question  string
	AskedBy   string
	Trigger   Trigger

	// Context is the session's retained window, oldest first
	Context []ContextLine
}

// Response is an immutable AI response
type Response struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	AskedBy     string    `json:"askedBy"`
	TriggerType Trigger   `json:"triggerType"`
	Confidence  float64   `json:"confidence"`
	Failed      bool      `json:"failed,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResponderConfig tunes a Responder
type ResponderConfig struct {
	Timeout      time.Duration
	ContextLines int
}

// Responder calls the answerer and never returns an error: failures become
// apology answers
type Responder struct {
	answerer       Answerer
	config         ResponderConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewResponder creates a responder. breaker may be nil.
func NewResponder(answerer Answerer, cfg ResponderConfig, breaker *resilience.CircuitBreaker) *Responder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContextLines <= 0 {
		cfg.ContextLines = 10
	}
	return &Responder{
		answerer:       answerer,
		config:         cfg,
		circuitBreaker: breaker,
		logger:         observability.WithComponent("assistant").With().Str("answerer", answerer.Name()).Logger(),
	}
}

// Respond answers req within the configured timeout
func (r *Responder) Respond(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := Response{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		Question:    req.Question,
		AskedBy:     req.AskedBy,
		TriggerType: req.Trigger,
		Confidence:  Confidence(req.Question, len(req.Context)),
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	q := Question{
		SessionID: req.SessionID,
		Text:      req.Question,
		AskedBy:   req.AskedBy,
		Context:   recent(req.Context, r.config.ContextLines),
	}

	var answer string
	call := func() error {
		var err error
		answer, err = r.answerer.Answer(callCtx, q)
		if err == nil && strings.TrimSpace(answer) == "" {
			err = ErrUnavailable
		}
		return err
	}

	var err error
	if r.circuitBreaker != nil {
		err = r.circuitBreaker.CallContext(ctx, call)
	} else {
		err = call()
	}

	latency := time.Since(start)
	observability.RecordQA(string(req.Trigger), err == nil, latency)
	resp.Timestamp = time.Now().UTC()

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = errors.Join(ErrUnavailable, err)
		}
		r.logger.Warn().
			Err(err).
			Str("session_id", req.SessionID).
			Str("trigger", string(req.Trigger)).
			Dur("latency", latency).
			Msg("Q&A unavailable, answering with apology")
		resp.Answer = apology(req.Trigger)
		resp.Failed = true
		return resp
	}

	resp.Answer = answer
	r.logger.Info().
		Str("session_id", req.SessionID).
		Str("asked_by", req.AskedBy).
		Str("trigger", string(req.Trigger)).
		Dur("latency", latency).
		Msg("Answered question")
	return resp
}

func apology(trigger Trigger) string {
	if trigger == TriggerVoiceCommand {
		return VoiceApology
	}
	return ManualApology
}

// Confidence is a heuristic from context size and question type
func Confidence(question string, contextLines int) float64 {
	confidence := 0.5
	if contextLines > 5 {
		confidence += 0.2
	}
	if contextLines > 20 {
		confidence += 0.1
	}

	q := strings.ToLower(question)
	if strings.Contains(q, "summary") || strings.Contains(q, "recap") {
		confidence += 0.2
	}
	if strings.Contains(q, "next steps") || strings.Contains(q, "action") {
		confidence += 0.15
	}

	if confidence > 0.95 {
		return 0.95
	}
	return confidence
}
