package probes

import (
	"net/http"

	"github.com/systmms/dskeys/pkg/credential"
)

// BuiltinHTTPSpecs returns the validation request for every HTTP provider.
// Each call is a cheap authenticated read; none spends tokens.
func BuiltinHTTPSpecs() map[credential.ProviderType]HTTPSpec {
	return map[credential.ProviderType]HTTPSpec{
		credential.ProviderOpenAI: {
			Provider: credential.ProviderOpenAI,
			Endpoint: "https://api.openai.com/v1/models",
			Auth:     AuthBearer,
		},
		credential.ProviderAnthropic: {
			Provider: credential.ProviderAnthropic,
			Endpoint: "https://api.anthropic.com/v1/models",
			Auth:     AuthHeader,
			AuthName: "x-api-key",
			Headers:  map[string]string{"anthropic-version": "2023-06-01"},
		},
		credential.ProviderGemini: {
			Provider: credential.ProviderGemini,
			Endpoint: "https://generativelanguage.googleapis.com/v1beta/models",
			Auth:     AuthQuery,
			AuthName: "key",
			InvalidKeyResponses: []ResponseMatch{
				{Status: http.StatusBadRequest, BodyContains: "API_KEY_INVALID"},
			},
		},
		credential.ProviderMistral: {
			Provider: credential.ProviderMistral,
			Endpoint: "https://api.mistral.ai/v1/models",
			Auth:     AuthBearer,
		},
		credential.ProviderGroq: {
			Provider: credential.ProviderGroq,
			Endpoint: "https://api.groq.com/openai/v1/models",
			Auth:     AuthBearer,
		},
		credential.ProviderXAI: {
			Provider: credential.ProviderXAI,
			Endpoint: "https://api.x.ai/v1/models",
			Auth:     AuthBearer,
		},
		credential.ProviderCohere: {
			Provider:   credential.ProviderCohere,
			Endpoint:   "https://api.cohere.com/v1/check-api-key",
			Method:     http.MethodPost,
			Auth:       AuthBearer,
			ValidField: "valid",
		},
		credential.ProviderPerplexity: {
			Provider: credential.ProviderPerplexity,
			Endpoint: "https://api.perplexity.ai/models",
			Auth:     AuthBearer,
		},
	}
}
