package config

import "fmt"

// Provider is a tagged variant over the runner providers the orchestrator
// knows how to map a runner binary to.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderFake   Provider = "fake"
)

// providerAliases maps accepted spellings to their canonical Provider.
var providerAliases = map[string]Provider{
	"claude":       ProviderClaude,
	"claude-code":  ProviderClaude,
	"anthropic":    ProviderClaude,
	"codex":        ProviderCodex,
	"openai-codex": ProviderCodex,
	"fake":         ProviderFake,
	"mock":         ProviderFake,
}

// MapProvider canonicalizes a provider name to its tagged variant. It fails
// loudly (returns an error) on any unrecognized name rather than silently
// defaulting to a provider the caller didn't ask for.
func MapProvider(name string) (Provider, error) {
	p, ok := providerAliases[name]
	if !ok {
		return "", fmt.Errorf("config: unknown provider %q", name)
	}
	return p, nil
}
