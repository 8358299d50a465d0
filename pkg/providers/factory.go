package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
)

type providerFactory struct {
	build    func(cfg *config.Config) (LLMProvider, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func RegisterFactory(name string, build func(cfg *config.Config) (LLMProvider, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[name] = providerFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SplitModel splits a fully specified "provider/model" name. The model part
// may itself contain slashes, as OpenRouter model ids do.
func SplitModel(spec string) (provider, model string, err error) {
	spec = strings.TrimSpace(spec)
	provider, model, ok := strings.Cut(spec, "/")
	provider = NormalizeProviderName(provider)
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model %q must be in provider/model form", spec)
	}
	return provider, model, nil
}

func ValidateProviderConfig(cfg *config.Config, name string) error {
	factory, _, err := getFactory(name)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

func CreateProvider(cfg *config.Config, name string) (LLMProvider, error) {
	factory, _, err := getFactory(name)
	if err != nil {
		return nil, err
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.build(cfg)
}

// ForModel builds the provider named by a "provider/model" spec and returns it
// with the provider-local model id.
func ForModel(cfg *config.Config, spec string) (LLMProvider, string, error) {
	name, model, err := SplitModel(spec)
	if err != nil {
		return nil, "", err
	}
	provider, err := CreateProvider(cfg, name)
	if err != nil {
		return nil, "", err
	}
	return provider, model, nil
}

func getFactory(name string) (providerFactory, string, error) {
	name = NormalizeProviderName(name)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return providerFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return providerFactory{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, name, nil
}
