// Package openrouter routes through the OpenRouter aggregation API, which
// speaks the OpenAI wire format.
package openrouter

import (
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/openai"
)

const baseURL = "https://openrouter.ai/api/v1"

// New returns an adapter with ID "openrouter". The referer and title headers
// identify the gateway in OpenRouter's dashboard.
func New(apiKey, siteURL, siteName string) *openai.Provider {
	headers := map[string]string{}
	if siteURL != "" {
		headers["HTTP-Referer"] = siteURL
	}
	if siteName != "" {
		headers["X-Title"] = siteName
	}
	return openai.NewCompatible("openrouter", apiKey, baseURL, headers)
}
