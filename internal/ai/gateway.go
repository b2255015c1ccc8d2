// Package ai routes stage prompts to the configured text-generation provider
// and normalizes provider failures into a single error taxonomy.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rotisserie/eris"

	"github.com/thesayf/deployai-sub003/internal/resilience"
	"github.com/thesayf/deployai-sub003/pkg/anthropic"
	"github.com/thesayf/deployai-sub003/pkg/openai"
)

// Provider names accepted in stage configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	ErrRateLimited ErrorKind = "rate_limited"
	ErrAuth        ErrorKind = "auth"
	ErrServer      ErrorKind = "server"
	ErrTimeout     ErrorKind = "timeout"
	ErrBadRequest  ErrorKind = "bad_request"
)

// ProviderError is a classified failure from a text-generation provider.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ai: %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on retry.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrServer, ErrTimeout:
		return true
	default:
		return false
	}
}

// GenerateRequest is one provider call on behalf of a pipeline stage.
type GenerateRequest struct {
	Provider        string
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int64
	Temperature     float64
	ReasoningEffort string // "", low, medium, high
	Timeout         time.Duration
	MaxAttempts     int
}

// Usage reports token consumption for a call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// GenerateResponse is the raw provider output plus usage metadata.
type GenerateResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Gateway is the uniform interface stage executors call.
type Gateway interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ClientGateway implements Gateway over the Anthropic and OpenAI clients,
// sharing one outbound rate limiter across all stages.
type ClientGateway struct {
	anthropic anthropic.Client
	openai    openai.Client
	limiter   *rate.Limiter
}

// NewGateway creates a gateway. requestsPerMinute <= 0 disables limiting.
func NewGateway(ac anthropic.Client, oc openai.Client, requestsPerMinute int) *ClientGateway {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
	}
	return &ClientGateway{
		anthropic: ac,
		openai:    oc,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// thinkingBudget maps a reasoning-effort hint to an Anthropic extended
// thinking token budget.
func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 4096
	case "high":
		return 8192
	default:
		return 0
	}
}

// Generate calls the configured provider with retries and a per-call timeout.
func (g *ClientGateway) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	retryCfg := resilience.DefaultRetryConfig()
	if req.MaxAttempts > 0 {
		retryCfg.MaxAttempts = req.MaxAttempts
	}
	retryCfg.ShouldRetry = retryableProviderError
	retryCfg.OnRetry = resilience.RetryLogger(req.Provider, "generate")

	start := time.Now()
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*GenerateResponse, error) {
		// Every attempt takes a limiter token, so retries stay inside the
		// configured requests-per-minute budget.
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ai: rate limiter")
		}
		callCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		return g.call(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("ai: generate complete",
		zap.String("provider", req.Provider),
		zap.String("model", resp.Model),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return resp, nil
}

func (g *ClientGateway) call(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	switch req.Provider {
	case ProviderAnthropic:
		return g.callAnthropic(ctx, req)
	case ProviderOpenAI:
		return g.callOpenAI(ctx, req)
	default:
		return nil, eris.Errorf("ai: unknown provider %q", req.Provider)
	}
}

func (g *ClientGateway) callAnthropic(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	temp := req.Temperature
	resp, err := g.anthropic.CreateMessage(ctx, anthropic.MessageRequest{
		Model:                req.Model,
		MaxTokens:            req.MaxOutputTokens,
		System:               req.System,
		Messages:             []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature:          &temp,
		ThinkingBudgetTokens: thinkingBudget(req.ReasoningEffort),
	})
	if err != nil {
		return nil, classify(ProviderAnthropic, err)
	}

	return &GenerateResponse{
		Text:  resp.Text,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (g *ClientGateway) callOpenAI(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	temp := req.Temperature
	ccReq := openai.ChatCompletionRequest{
		Model:           req.Model,
		Temperature:     &temp,
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.MaxOutputTokens > 0 {
		ccReq.MaxTokens = &req.MaxOutputTokens
	}
	if req.System != "" {
		ccReq.Messages = append(ccReq.Messages, openai.Message{Role: "system", Content: req.System})
	}
	ccReq.Messages = append(ccReq.Messages, openai.Message{Role: "user", Content: req.Prompt})

	resp, err := g.openai.ChatCompletion(ctx, ccReq)
	if err != nil {
		return nil, classify(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: ProviderOpenAI, Kind: ErrServer, Err: eris.New("no choices in response")}
	}

	return &GenerateResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// classify maps a raw client error to a ProviderError.
func classify(provider string, err error) *ProviderError {
	kind := kindOf(err)
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	status := 0
	var aErr *anthropic.APIError
	var oErr *openai.APIError
	switch {
	case errors.As(err, &aErr):
		status = aErr.StatusCode
	case errors.As(err, &oErr):
		status = oErr.StatusCode
	}

	switch {
	case status == 429:
		return ErrRateLimited
	case status == 401 || status == 403:
		return ErrAuth
	case status == 408:
		return ErrTimeout
	case status >= 500:
		return ErrServer
	case status >= 400:
		return ErrBadRequest
	case resilience.IsTransient(err):
		return ErrServer
	default:
		return ErrServer
	}
}

func retryableProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return resilience.IsTransient(err)
}
