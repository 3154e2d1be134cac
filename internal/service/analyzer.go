package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/cache"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/observability"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/pse-assistant-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service")

const (
	// DefaultInstruction is used when the caller sends none.
	DefaultInstruction = "Analyze the following file. Summarize its purpose, list the key facts, and point out anything that needs attention."

	analysisSystemPrompt = "You are a careful document analyst. Answer only from the provided file. If the file does not contain the answer, say so."
)

// Analyzer feeds file contents to the model server and shapes the answer
// into an AnalysisResult.
type Analyzer struct {
	generator      port.Generator
	cache          port.AnalysisCache
	bulkhead       *resilience.Bulkhead
	defaultModel   string
	maxConcurrency int
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// NewAnalyzer creates the analysis service with all dependencies injected.
// cache may be nil.
func NewAnalyzer(
	generator port.Generator,
	cache port.AnalysisCache,
	defaultModel string,
	maxConcurrency int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Analyzer {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Analyzer{
		generator:      generator,
		cache:          cache,
		bulkhead:       resilience.NewBulkhead(maxConcurrency),
		defaultModel:   defaultModel,
		maxConcurrency: maxConcurrency,
		metrics:        metrics,
		logger:         logger,
	}
}

// AnalyzeFile runs one analysis. Model failures come back as a result with
// Success=false; the returned error is reserved for cancellation.
func (a *Analyzer) AnalyzeFile(ctx context.Context, req *domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Analyzer.AnalyzeFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("file.name", req.File.FileName),
		attribute.Int("file.sections", len(req.File.Sections)),
	)

	start := time.Now()
	defer func() {
		a.metrics.RecordRequestDuration("analysis", time.Since(start))
	}()

	genReq := a.generationRequest(req)
	model := genReq.Model

	key := cache.AnalysisKey(genReq)
	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, key); ok {
			a.metrics.IncrCacheHit("analysis")
			return cached, nil
		}
		a.metrics.IncrCacheMiss("analysis")
	}

	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	defer a.bulkhead.Release()

	resp, err := a.generator.Generate(ctx, genReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.logger.Error("analysis failed",
			zap.String("file_name", req.File.FileName),
			zap.String("model", model),
			zap.Error(err),
		)
		a.metrics.IncrExternalError("ollama", errorKind(err))
		a.metrics.IncrAnalysis("error")
		return failedAnalysis(model, req.File.FileName, err.Error()), nil
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		a.metrics.IncrAnalysis("error")
		return failedAnalysis(model, req.File.FileName, "model returned an empty response"), nil
	}

	if resp.Model != "" {
		model = resp.Model
	}
	fileName := req.File.FileName
	result := &domain.AnalysisResult{
		Success:    true,
		Analysis:   text,
		Confidence: confidence(resp),
		Model:      model,
		Response:   resp.Text(),
		Context:    &fileName,
	}

	a.metrics.RecordTokens(derefInt(resp.PromptEvalCount), derefInt(resp.EvalCount))
	a.metrics.IncrAnalysis("success")
	if a.cache != nil {
		a.cache.Set(ctx, key, result)
	}

	a.logger.Debug("analysis completed",
		zap.String("file_name", req.File.FileName),
		zap.String("model", model),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// StreamAnalysis streams the model's answer for one file as it is generated.
// The channel is closed after the final chunk, on error, or when ctx ends.
// Streamed answers are not cached.
func (a *Analyzer) StreamAnalysis(ctx context.Context, req *domain.AnalysisRequest) (<-chan domain.GenerationChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamer, ok := a.generator.(port.StreamGenerator)
	if !ok {
		return nil, &domain.ErrValidation{Field: "stream", Message: "streaming is not supported by the model backend"}
	}

	ctx, span := tracer.Start(ctx, "Analyzer.StreamAnalysis")
	span.SetAttributes(attribute.String("file.name", req.File.FileName))

	if err := a.acquire(ctx); err != nil {
		span.End()
		return nil, err
	}

	genReq := a.generationRequest(req)
	in, err := streamer.GenerateStream(ctx, genReq)
	if err != nil {
		a.bulkhead.Release()
		span.End()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		a.logger.Error("analysis stream failed",
			zap.String("file_name", req.File.FileName),
			zap.String("model", genReq.Model),
			zap.Error(err),
		)
		a.metrics.IncrExternalError("ollama", errorKind(err))
		a.metrics.IncrAnalysis("error")
		return nil, err
	}

	out := make(chan domain.GenerationChunk)
	start := time.Now()

	go func() {
		defer close(out)
		defer span.End()
		defer a.bulkhead.Release()
		defer func() {
			a.metrics.RecordRequestDuration("analysis_stream", time.Since(start))
		}()

		// in is drained to the end so the client goroutine can exit.
		forwarding := true
		for chunk := range in {
			switch {
			case chunk.Err != nil:
				a.logger.Error("analysis stream broke",
					zap.String("file_name", req.File.FileName),
					zap.Error(chunk.Err),
				)
				a.metrics.IncrExternalError("ollama", errorKind(chunk.Err))
				a.metrics.IncrAnalysis("error")
			case chunk.Response != nil && chunk.Response.Done:
				a.metrics.RecordTokens(derefInt(chunk.Response.PromptEvalCount), derefInt(chunk.Response.EvalCount))
				a.metrics.IncrAnalysis("success")
			}

			if !forwarding {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				forwarding = false
			}
		}
	}()

	return out, nil
}

// generationRequest resolves the defaults of an analysis into the exact
// request sent to the model server.
func (a *Analyzer) generationRequest(req *domain.AnalysisRequest) *domain.GenerationRequest {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	instruction := req.Instruction
	if instruction == "" {
		instruction = DefaultInstruction
	}
	opts := domain.DefaultGenerationOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	return &domain.GenerationRequest{
		Model:   model,
		Prompt:  RenderPrompt(instruction, &req.File),
		System:  analysisSystemPrompt,
		Options: opts,
	}
}

func (a *Analyzer) acquire(ctx context.Context) error {
	if err := a.bulkhead.Acquire(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &domain.ErrTimeout{Operation: "analysis"}
		}
		return err
	}
	return nil
}

// AnalyzeFiles runs the analyses concurrently and returns results in input
// order.
func (a *Analyzer) AnalyzeFiles(ctx context.Context, reqs []domain.AnalysisRequest) ([]*domain.AnalysisResult, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.AnalyzeFiles")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(reqs)))

	results := make([]*domain.AnalysisResult, len(reqs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrency)

	for i := range reqs {
		i := i
		g.Go(func() error {
			res, err := a.AnalyzeFile(gCtx, &reqs[i])
			if err != nil {
				return fmt.Errorf("analyze %q: %w", reqs[i].File.FileName, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RenderPrompt lays the file out for the model in document order.
func RenderPrompt(instruction string, f *domain.FileContent) string {
	var sb strings.Builder
	sb.WriteString(instruction)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "File: %s", f.FileName)
	if f.FileType != "" {
		fmt.Fprintf(&sb, " (%s)", f.FileType)
	}
	sb.WriteString("\n")

	if len(f.Metadata) > 0 {
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, f.Metadata[k])
		}
	}
	sb.WriteString("\n")

	if len(f.Sections) == 0 {
		sb.WriteString(f.Content)
		sb.WriteString("\n")
		return sb.String()
	}

	for _, s := range f.Sections {
		if s.Title != "" {
			level := s.Level
			if level < 0 {
				level = 0
			}
			fmt.Fprintf(&sb, "%s %s\n", strings.Repeat("#", level+1), s.Title)
		}
		switch s.Type {
		case domain.SectionCode:
			fmt.Fprintf(&sb, "```\n%s\n```\n", s.Content)
		case domain.SectionTable:
			fmt.Fprintf(&sb, "[table]\n%s\n", s.Content)
		case domain.SectionImage:
			fmt.Fprintf(&sb, "[image] %s\n", s.Content)
		default:
			sb.WriteString(s.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// confidence scores how complete the model's answer is.
func confidence(resp *domain.GenerationResponse) float64 {
	if !resp.Done {
		return 0.5
	}
	switch resp.DoneReason {
	case "", "stop":
		return 1.0
	case "length":
		return 0.6
	default:
		return 0.8
	}
}

func failedAnalysis(model, fileName, msg string) *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Success: false,
		Error:   &msg,
		Model:   model,
		Context: &fileName,
	}
}

func errorKind(err error) string {
	var parseErr *domain.ErrParse
	var circuitOpen *domain.ErrCircuitOpen
	switch {
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &circuitOpen):
		return "circuit_open"
	default:
		return "transport"
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
