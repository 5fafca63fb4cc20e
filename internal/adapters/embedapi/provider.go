// Package embedapi adapts the third-party embedding providers behind one
// client: two realtime wire shapes plus the asynchronous batch endpoint
package embedapi

import (
	perr "repolens/internal/platform/errors"
)

// Shape selects the realtime request/response wire format
type Shape int

const (
	// ShapeOpenAI is the /v1/embeddings format (Nebius and compatibles)
	ShapeOpenAI Shape = iota

	// ShapeDeepInfra is the /v1/inference/{model} format
	ShapeDeepInfra
)

// Provider describes one embedding backend
type Provider struct {
	Name         string
	BaseURL      string
	Model        string
	Dimension    int
	PricePerMTok float64 // USD per 1M prompt tokens
	Shape        Shape
	Batch        bool // use the async batch endpoint
}

// Known providers. Dimensions follow the collection the corpus was built
// with: 4096 for the Qwen3 family, 1536 for the small model
var providers = map[string]Provider{
	"deepinfra": {
		Name:         "deepinfra",
		BaseURL:      "https://api.deepinfra.com",
		Model:        "Qwen/Qwen3-Embedding-8B",
		Dimension:    4096,
		PricePerMTok: 0.01,
		Shape:        ShapeDeepInfra,
	},
	"nebius": {
		Name:         "nebius",
		BaseURL:      "https://api.studio.nebius.com",
		Model:        "Qwen/Qwen3-Embedding-8B",
		Dimension:    4096,
		PricePerMTok: 0.01,
		Shape:        ShapeOpenAI,
	},
	"nebius-batch": {
		Name:         "nebius-batch",
		BaseURL:      "https://api.studio.nebius.com",
		Model:        "Qwen/Qwen3-Embedding-8B",
		Dimension:    4096,
		PricePerMTok: 0.005, // batch tier is half price
		Shape:        ShapeOpenAI,
		Batch:        true,
	},
}

// ProviderByName resolves a CLI provider name
func ProviderByName(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return Provider{}, perr.InvalidArgf("unknown provider %q (want deepinfra|nebius|nebius-batch)", name)
	}
	return p, nil
}

// Usage is the billed footprint of one or more embedding calls
type Usage struct {
	Tokens  int64
	CostUSD float64
}

// Add accumulates usage
func (u *Usage) Add(o Usage) {
	u.Tokens += o.Tokens
	u.CostUSD += o.CostUSD
}

// EstimateTokens approximates token count from character count.
// Four characters per token is the provider's own rule of thumb
func EstimateTokens(chars int64) int64 { return chars / 4 }

// EstimateCost prices a character volume against the provider's rate
func (p Provider) EstimateCost(chars int64) (tokens int64, usd float64) {
	tokens = EstimateTokens(chars)
	return tokens, float64(tokens) / 1e6 * p.PricePerMTok
}
