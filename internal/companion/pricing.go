package companion

import "strings"

// Provider names as stored on API keys.
const (
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderCustomHTTP = "custom_http"
)

var Providers = []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderCustomHTTP}

// NormalizeProvider maps user input to a provider name, or "" when unknown.
func NormalizeProvider(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "gemini", "google":
		return ProviderGemini
	case "openai", "openai_compat", "openai-compat", "openai-compatible":
		return ProviderOpenAI
	case "anthropic", "claude":
		return ProviderAnthropic
	case "custom_http", "custom-http", "custom":
		return ProviderCustomHTTP
	default:
		return ""
	}
}

// OpenAI prices are USD per token.
var openAIPricing = map[string]float64{
	"gpt-4":         0.00003,
	"gpt-4-turbo":   0.00001,
	"gpt-3.5-turbo": 0.0000015,
}

// Gemini prices are USD per 1M tokens.
var geminiPricing = map[string]float64{
	"gemini-1.5-flash": 0.000075,
	"gemini-1.5-pro":   0.000375,
	"gemini-2.0-flash": 0.000075,
	"gemini-2.0-pro":   0.000375,
	"gemini-2.5-flash": 0.000075,
	"gemini-2.5-pro":   0.000375,
}

// Anthropic prices are USD per 1M tokens, blended input/output.
var anthropicPricing = map[string]float64{
	"claude-3-5-haiku-latest":  2.4,
	"claude-3-5-sonnet-latest": 9,
	"claude-3-opus-latest":     45,
}

// Cost estimates the spend for tokens on model. Unknown models fall back to
// the provider's reference model.
func Cost(provider, model string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	model = NormalizeModel(model)
	switch provider {
	case ProviderOpenAI:
		price, ok := openAIPricing[model]
		if !ok {
			price = openAIPricing["gpt-4"]
		}
		return float64(tokens) * price
	case ProviderGemini:
		price, ok := geminiPricing[model]
		if !ok {
			price = geminiPricing["gemini-1.5-flash"]
		}
		return float64(tokens) / 1_000_000 * price
	case ProviderAnthropic:
		price, ok := anthropicPricing[model]
		if !ok {
			price = anthropicPricing["claude-3-5-haiku-latest"]
		}
		return float64(tokens) / 1_000_000 * price
	default:
		return 0
	}
}
