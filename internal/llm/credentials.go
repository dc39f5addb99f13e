package llm

import (
	"fmt"
	"os"
	"strings"
)

// Credentials resolves API keys at call time. Keys are fetched per
// request and never stored in transcripts, envelopes, or logs.
type Credentials interface {
	// APIKey returns the key for provider, or ErrMissingCredentials.
	APIKey(provider string) (string, error)
}

// wellKnownKeyVars maps providers to their conventional environment
// variables, checked before the CONDUCTOR_<PROVIDER>_API_KEY fallback.
var wellKnownKeyVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// EnvCredentials resolves keys from the process environment.
type EnvCredentials struct{}

// APIKey looks up the provider's conventional variable first, then
// CONDUCTOR_<PROVIDER>_API_KEY. Local providers such as ollama need no
// key and resolve to the empty string.
func (EnvCredentials) APIKey(provider string) (string, error) {
	if v, ok := wellKnownKeyVars[provider]; ok {
		if key := os.Getenv(v); key != "" {
			return key, nil
		}
	}

	fallback := "CONDUCTOR_" + strings.ToUpper(provider) + "_API_KEY"
	if key := os.Getenv(fallback); key != "" {
		return key, nil
	}

	if !providerRequiresKey(provider) {
		return "", nil
	}

	return "", fmt.Errorf("%w for provider %q", ErrMissingCredentials, provider)
}

// StaticCredentials resolves keys from a fixed map. Intended for tests
// and embedded use.
type StaticCredentials map[string]string

func (s StaticCredentials) APIKey(provider string) (string, error) {
	key, ok := s[provider]
	if !ok {
		if !providerRequiresKey(provider) {
			return "", nil
		}
		return "", fmt.Errorf("%w for provider %q", ErrMissingCredentials, provider)
	}
	return key, nil
}

func providerRequiresKey(provider string) bool {
	return provider != "ollama"
}
