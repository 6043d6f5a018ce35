// Package mt defines the Provider interface for machine translation backends.
//
// Translation in this system is LLM-based: a chat completion with a
// translator system prompt. The interface hides which LLM stack sits behind
// it so the pipeline can run against OpenAI directly, any of the any-llm-go
// backends (Ollama, Anthropic, Mistral, ...), or a test double.
//
// Implementations must be safe for concurrent use; the pipeline fans out one
// translation per target language.
package mt

import "context"

// Provider is the abstraction over any translation backend.
type Provider interface {
	// Translate renders text from sourceLang into targetLang. Both languages
	// are ISO 639-1 codes. Implementations return the translated text only,
	// with no commentary or quoting.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)

	// Name identifies the backend in logs and metrics, e.g. "openai".
	Name() string
}
