package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ollamaService      = "ollama"
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llama3.2"
	generatePath       = "/api/generate"
)

// OllamaClient calls a local model server speaking the Ollama generate API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// NewOllamaClient creates a new OllamaClient. Empty baseURL and model fall
// back to the local defaults.
func NewOllamaClient(httpClient *http.Client, baseURL, model string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		cb:         cb,
		cfg:        cfg,
	}
}

// Model returns the model used when a request names none.
func (c *OllamaClient) Model() string {
	return c.model
}

// Generate runs a non-streaming generation with retry, circuit breaker, and tracing.
func (c *OllamaClient) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()

	payload := c.prepare(req, false)
	span.SetAttributes(attribute.String("llm.model", payload.Model))

	var out domain.GenerationResponse
	if err := c.call(ctx, payload, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &out, nil
}

// GenerateLegacy is Generate decoded into the older response shape, for
// callers that still need the raw context array.
//
// Deprecated: use Generate.
func (c *OllamaClient) GenerateLegacy(ctx context.Context, req *domain.GenerationRequest) (*domain.LegacyGenerationResponse, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.GenerateLegacy")
	defer span.End()

	var out domain.LegacyGenerationResponse
	if err := c.call(ctx, c.prepare(req, false), &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &out, nil
}

// GenerateStream streams newline-delimited responses. The channel is closed
// after the chunk with Done=true, on error, or when ctx is cancelled.
// Opening the stream goes through the circuit breaker; streams are not
// retried.
func (c *OllamaClient) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.GenerationChunk, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.GenerateStream")

	payload := c.prepare(req, true)
	span.SetAttributes(attribute.String("llm.model", payload.Model))

	resp, err := c.openStream(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	ch := make(chan domain.GenerationChunk, 64)

	go func() {
		defer span.End()
		defer close(ch)
		defer resp.Body.Close()

		send := func(chunk domain.GenerationChunk) bool {
			if chunk.Err != nil {
				span.RecordError(chunk.Err)
				span.SetStatus(codes.Error, chunk.Err.Error())
			}
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		chunks := 0
		defer func() { span.SetAttributes(attribute.Int("llm.stream.chunks", chunks)) }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk domain.GenerationResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				send(domain.GenerationChunk{Err: &domain.ErrParse{Source: ollamaService, Err: err}})
				return
			}
			chunks++
			if !send(domain.GenerationChunk{Response: &chunk}) || chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.GenerationChunk{Err: &domain.ErrExternalService{Service: ollamaService, Err: err}})
		}
	}()

	return ch, nil
}

// openStream connects to the model server and checks the status line. The
// caller owns the returned body.
func (c *OllamaClient) openStream(ctx context.Context, payload *domain.GenerationRequest) (*http.Response, error) {
	httpReq, _, err := newJSONRequest(ctx, c.baseURL+generatePath, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")

	result, err := c.cb.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, resilience.CallerAborted(ctx.Err())
			}
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: ollamaService}
		}
		return nil, &domain.ErrExternalService{Service: ollamaService, Err: err}
	}
	return result.(*http.Response), nil
}

// prepare copies req so the caller's value is never mutated.
func (c *OllamaClient) prepare(req *domain.GenerationRequest, stream bool) *domain.GenerationRequest {
	out := *req
	if out.Model == "" {
		out.Model = c.model
	}
	out.Stream = stream
	return &out
}

func (c *OllamaClient) call(ctx context.Context, payload *domain.GenerationRequest, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		err := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			httpReq, _, err := newJSONRequest(ctx, c.baseURL+generatePath, payload)
			if err != nil {
				return resilience.Permanent(err)
			}

			raw, err := doJSON(c.httpClient, httpReq)
			switch {
			case errors.Is(err, errResponseTooLarge):
				return resilience.Permanent(err)
			case err != nil && ctx.Err() != nil:
				return resilience.Permanent(err)
			case err != nil:
				return err
			}
			if raw.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("model server returned status %d", raw.StatusCode)
			}
			if raw.StatusCode != http.StatusOK {
				return resilience.Permanent(fmt.Errorf("model server returned status %d: %s", raw.StatusCode, snippet(raw.Body)))
			}

			if err := json.Unmarshal(raw.Body, out); err != nil {
				return resilience.Permanent(&domain.ErrParse{Source: ollamaService, Err: err})
			}
			return nil
		})
		if err != nil && ctx.Err() != nil {
			err = resilience.CallerAborted(err)
		}
		return nil, err
	})

	if err == nil {
		return nil
	}

	var parseErr *domain.ErrParse
	switch {
	case errors.As(err, &parseErr):
		return parseErr
	case resilience.IsBreakerOpen(err):
		return &domain.ErrCircuitOpen{Service: ollamaService}
	default:
		return &domain.ErrExternalService{Service: ollamaService, Err: err}
	}
}
