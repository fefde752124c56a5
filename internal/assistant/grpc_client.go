package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/meet-transcriber/internal/observability"
	"github.com/lexiqai/meet-transcriber/internal/resilience"
)

// Remote assistant service. Requests and responses are google.protobuf.Struct
// messages so no generated stubs are needed.
const (
	AssistantService = "meetassist.v1.Assistant"
	answerMethod     = "/" + AssistantService + "/Answer"
)

// GRPCAnswerer calls a remote assistant service over gRPC
type GRPCAnswerer struct {
	target         string
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewGRPCAnswerer creates a client for target. The connection is
// established lazily on the first call.
func NewGRPCAnswerer(target string, breaker *resilience.CircuitBreaker, retryConfig *resilience.RetryConfig) (*GRPCAnswerer, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant client for %s: %w", target, err)
	}
	if retryConfig == nil {
		retryConfig = resilience.DefaultRetryConfig()
	}

	return &GRPCAnswerer{
		target:         target,
		conn:           conn,
		health:         healthpb.NewHealthClient(conn),
		circuitBreaker: breaker,
		retryConfig:    retryConfig,
		logger:         observability.WithComponent("assistant").With().Str("target", target).Logger(),
	}, nil
}

// Name returns the answerer name
func (a *GRPCAnswerer) Name() string {
	return "grpc"
}

// Answer sends the question with its context and returns the answer field
func (a *GRPCAnswerer) Answer(ctx context.Context, q Question) (string, error) {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("assistant client is closed: %w", ErrUnavailable)
	}

	req, err := answerRequest(q)
	if err != nil {
		return "", err
	}

	resp := &structpb.Struct{}
	invoke := func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			return a.conn.Invoke(ctx, answerMethod, req, resp)
		}, a.retryConfig, isRetryableStatus)
	}

	if a.circuitBreaker != nil {
		err = a.circuitBreaker.Call(invoke)
	} else {
		err = invoke()
	}
	if err != nil {
		return "", fmt.Errorf("failed to call Answer: %w", err)
	}

	answer := strings.TrimSpace(resp.GetFields()["answer"].GetStringValue())
	if answer == "" {
		return "", fmt.Errorf("empty answer from %s: %w", a.target, ErrUnavailable)
	}
	return answer, nil
}

func answerRequest(q Question) (*structpb.Struct, error) {
	lines := make([]interface{}, 0, len(q.Context))
	for _, line := range q.Context {
		lines = append(lines, map[string]interface{}{
			"speaker":   line.Speaker,
			"text":      line.Text,
			"timestamp": line.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"sessionId": q.SessionID,
		"question":  q.Text,
		"askedBy":   q.AskedBy,
		"context":   lines,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build answer request: %w", err)
	}
	return req, nil
}

// HealthCheck checks if the assistant service is serving
func (a *GRPCAnswerer) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AssistantService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (a *GRPCAnswerer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}

// isRetryableStatus checks gRPC status codes, then falls back to message
// matching for errors raised below the gRPC layer
func isRetryableStatus(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.Unknown:
			return resilience.IsRetryableNetworkError(err)
		default:
			return false
		}
	}
	return resilience.IsRetryableNetworkError(err)
}
