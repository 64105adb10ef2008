package llm

import (
	"net/http"
	"sync"
)

// Provider adapts the client to one completion API dialect.
type Provider interface {
	// Name returns the provider identifier ("openai", "ollama").
	Name() string

	// BuildURL constructs the full chat completions endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific auth headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody encodes the JSON request body. temperature nil means
	// endpoint default; jsonMode asks the endpoint for a JSON object reply.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int, jsonMode bool) ([]byte, error)

	// ParseResponse extracts the completion from provider-specific JSON.
	ParseResponse(body []byte) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry. Providers call this
// from their init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, nil when unknown.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}
