package domain

import (
	"encoding/json"
	"time"
)

// ============================================================
// Model server interchange (Ollama-compatible /api/generate)
// ============================================================

// Default generation parameters sent to the model server.
const (
	DefaultTemperature   = 0.7
	DefaultTopP          = 0.9
	DefaultTopK          = 40
	DefaultMaxTokens     = 128
	DefaultRepeatPenalty = 1.1
	DefaultContextWindow = 4096
	DefaultThreads       = 4
)

// GenerationOptions tunes a single model invocation.
type GenerationOptions struct {
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	MaxTokens     int      `json:"num_predict"`
	Stop          []string `json:"stop"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	ContextWindow int      `json:"num_ctx"`
	Threads       int      `json:"num_thread"`
}

// DefaultGenerationOptions returns the options used when the caller sets none.
func DefaultGenerationOptions() GenerationOptions {
	return GenerationOptions{
		Temperature:   DefaultTemperature,
		TopP:          DefaultTopP,
		TopK:          DefaultTopK,
		MaxTokens:     DefaultMaxTokens,
		Stop:          []string{"\n\n"},
		RepeatPenalty: DefaultRepeatPenalty,
		ContextWindow: DefaultContextWindow,
		Threads:       DefaultThreads,
	}
}

// UnmarshalJSON decodes on top of the defaults, so fields missing from the
// payload keep their default value.
func (o *GenerationOptions) UnmarshalJSON(data []byte) error {
	type plain GenerationOptions
	opts := plain(DefaultGenerationOptions())
	if err := json.Unmarshal(data, &opts); err != nil {
		return err
	}
	*o = GenerationOptions(opts)
	return nil
}

// GenerationRequest is one model invocation.
type GenerationRequest struct {
	Model   string            `json:"model"`
	Prompt  string            `json:"prompt"`
	System  string            `json:"system,omitempty"`
	Stream  bool              `json:"stream"`
	Raw     bool              `json:"raw"`
	Format  string            `json:"format,omitempty"`
	Options GenerationOptions `json:"options"`
}

// NewGenerationRequest builds a non-streaming request with default options.
func NewGenerationRequest(model, prompt string) *GenerationRequest {
	return &GenerationRequest{
		Model:   model,
		Prompt:  prompt,
		Options: DefaultGenerationOptions(),
	}
}

// ChatMessage is the optional message block of a model response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationResponse is the model server reply. A streamed partial reply has
// Done=false. Telemetry fields are pointers: nil means the server did not send
// the field, which is not the same as an explicit 0.
type GenerationResponse struct {
	Model              string       `json:"model"`
	CreatedAt          *time.Time   `json:"created_at,omitempty"`
	Message            *ChatMessage `json:"message,omitempty"`
	Response           string       `json:"response,omitempty"`
	Done               bool         `json:"done"`
	DoneReason         string       `json:"done_reason,omitempty"`
	TotalDuration      *int64       `json:"total_duration,omitempty"`
	LoadDuration       *int64       `json:"load_duration,omitempty"`
	PromptEvalCount    *int         `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration *int64       `json:"prompt_eval_duration,omitempty"`
	EvalCount          *int         `json:"eval_count,omitempty"`
	EvalDuration       *int64       `json:"eval_duration,omitempty"`
}

// Text returns the generated text, preferring the message block.
func (r *GenerationResponse) Text() string {
	if r.Message != nil {
		return r.Message.Content
	}
	return r.Response
}

// GenerationChunk is one element of a streamed generation. Err is set on the
// last chunk when the stream broke.
type GenerationChunk struct {
	Response *GenerationResponse
	Err      error
}

// LegacyGenerationResponse is the older reply shape that carries the raw
// token context array.
//
// Deprecated: use GenerationResponse. Kept while callers still read Context.
type LegacyGenerationResponse struct {
	Model              string     `json:"model"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	Response           string     `json:"response"`
	Done               bool       `json:"done"`
	Context            []int      `json:"context,omitempty"`
	TotalDuration      *int64     `json:"total_duration,omitempty"`
	LoadDuration       *int64     `json:"load_duration,omitempty"`
	PromptEvalCount    *int       `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration *int64     `json:"prompt_eval_duration,omitempty"`
	EvalCount          *int       `json:"eval_count,omitempty"`
	EvalDuration       *int64     `json:"eval_duration,omitempty"`
}

// ============================================================
// File analysis
// ============================================================

// Section kinds produced by the loaders. The field is free-form; these are
// the ones the prompt renderer knows about.
const (
	SectionText  = "text"
	SectionImage = "image"
	SectionTable = "table"
	SectionCode  = "code"
)

// FileSection is one block of a file, in document order.
type FileSection struct {
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content"`
	Level    int            `json:"level"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent is one file ingested for model analysis.
type FileContent struct {
	FileName  string         `json:"file_name"`
	FileType  string         `json:"file_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Structure map[string]any `json:"structure,omitempty"`
	Sections  []FileSection  `json:"sections"`
}

// AnalysisResult is what the analyzer hands back to the UI.
// When Success is false, Analysis and Response carry no meaning and Error
// should be read instead.
type AnalysisResult struct {
	Success    bool    `json:"success"`
	Analysis   string  `json:"analysis"`
	Error      *string `json:"error"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	Response   string  `json:"response"`
	Context    *string `json:"context,omitempty"`
}

// Valid reports whether the result honours the success/error contract.
func (r *AnalysisResult) Valid() bool {
	if r.Success {
		return r.Error == nil
	}
	return r.Error != nil
}

// AnalysisRequest is the body of POST /v1/analysis.
type AnalysisRequest struct {
	File        FileContent        `json:"file"`
	Instruction string             `json:"instruction,omitempty"`
	Model       string             `json:"model,omitempty"`
	Options     *GenerationOptions `json:"options,omitempty"`
}

// BatchAnalysisRequest is the body of POST /v1/analysis/batch.
type BatchAnalysisRequest struct {
	Items []AnalysisRequest `json:"items"`
}
