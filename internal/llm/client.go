// Package llm talks to the language-model inference endpoint.
package llm

import "context"

// Client is the interface the interaction pipeline uses for inference.
type Client interface {
	// Generate submits a single-shot completion and waits for the whole
	// response.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Ping checks if the endpoint is reachable.
	Ping(ctx context.Context) error
}
