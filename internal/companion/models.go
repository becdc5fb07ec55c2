package companion

import "strings"

const DefaultMaxTokens = 1000

var geminiModels = []string{
	"models/gemini-2.5-pro",
	"models/gemini-2.5-flash",
	"models/gemini-1.5-pro",
	"models/gemini-1.5-flash",
}

var openAIModels = []string{"gpt-4", "gpt-4-turbo", "gpt-3.5-turbo"}

var anthropicModels = []string{"claude-3-5-haiku-latest", "claude-3-5-sonnet-latest", "claude-3-opus-latest"}

// NormalizeModel strips the "models/" prefix Gemini uses in listings.
func NormalizeModel(model string) string {
	return strings.TrimPrefix(strings.TrimSpace(model), "models/")
}

func DefaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-2.5-flash"
	case ProviderOpenAI:
		return "gpt-4"
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "default"
	}
}

// SupportedModels lists the models offered for a provider. custom_http has none.
func SupportedModels(provider string) []string {
	var src []string
	switch provider {
	case ProviderGemini:
		src = geminiModels
	case ProviderOpenAI:
		src = openAIModels
	case ProviderAnthropic:
		src = anthropicModels
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// ModelsFor is the catalogue for a key. An OpenAI-compatible key with its own
// base URL serves models we cannot know, so its catalogue is open (nil).
func ModelsFor(provider, baseURL string) []string {
	if provider == ProviderOpenAI && strings.TrimSpace(baseURL) != "" {
		return nil
	}
	return SupportedModels(provider)
}

// ResolveModel picks the preferred model when the key's catalogue offers it,
// and the provider default otherwise. A preference saved for another provider
// never reaches this one.
func ResolveModel(provider, baseURL, preferred string) string {
	m := NormalizeModel(preferred)
	if m == "" {
		return DefaultModel(provider)
	}
	catalogue := ModelsFor(provider, baseURL)
	if len(catalogue) == 0 {
		return m
	}
	for _, c := range catalogue {
		if strings.EqualFold(NormalizeModel(c), m) {
			return NormalizeModel(c)
		}
	}
	return DefaultModel(provider)
}

// Generation holds sampling parameters for one provider call.
type Generation struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64
}

func GenerationFor(provider string, mode Mode, maxTokens int) Generation {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	switch provider {
	case ProviderGemini:
		temp := 0.8
		if mode == ModePerspective {
			temp = 0.7
		}
		return Generation{MaxTokens: maxTokens, Temperature: temp, TopP: 0.9, TopK: 40}
	case ProviderOpenAI:
		return Generation{MaxTokens: maxTokens, Temperature: 0.7, PresencePenalty: 0.1, FrequencyPenalty: 0.1}
	default:
		return Generation{MaxTokens: maxTokens, Temperature: 0.7}
	}
}
