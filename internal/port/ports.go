// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/pse-assistant-bfa-go/internal/domain"
)

// PaymentGateway creates PSE bank-redirect transactions.
type PaymentGateway interface {
	CreateTransaction(ctx context.Context, creds domain.Credentials, req *domain.TransactionRequest) (*domain.TransactionResponse, error)
}

// Generator invokes the model server.
type Generator interface {
	Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
}

// AnalysisCache stores finished analyses. Backed by Redis when configured.
type AnalysisCache interface {
	Get(ctx context.Context, key string) (*domain.AnalysisResult, bool)
	Set(ctx context.Context, key string, result *domain.AnalysisResult)
}

// StreamGenerator is a Generator that can also stream partial replies.
type StreamGenerator interface {
	Generator
	GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.GenerationChunk, error)
}
