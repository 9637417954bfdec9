// Package retriever defines the retrieval-augmentation contract. Concrete
// backends (vector stores, search indexes) live outside the core; the agent
// only needs documents back for a query.
package retriever

import "context"

// Document is one retrieved piece of context.
type Document struct {
	Content  string                 `json:"content"`
	Score    float64                `json:"score,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Retriever fetches documents relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Document, error)
}

// Func adapts a function into a Retriever.
type Func func(ctx context.Context, query string) ([]Document, error)

func (f Func) Retrieve(ctx context.Context, query string) ([]Document, error) {
	return f(ctx, query)
}
