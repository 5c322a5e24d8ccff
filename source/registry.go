package source

import (
	"fmt"
	"sync"

	"hive.evalgo.org/config"
)

// Factory builds a ContentSource from its configuration.
type Factory func(cfg config.SourceConfig) (ContentSource, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"file": func(cfg config.SourceConfig) (ContentSource, error) {
			return NewFileSource(cfg.Name, cfg.Parameters)
		},
		"s3": func(cfg config.SourceConfig) (ContentSource, error) {
			return NewS3Source(cfg.Name, cfg.Parameters)
		},
		"couchdb": func(cfg config.SourceConfig) (ContentSource, error) {
			return NewCouchDBSource(cfg.Name, cfg.Parameters)
		},
		"zip": func(cfg config.SourceConfig) (ContentSource, error) {
			return NewZipSource(cfg.Name, cfg.Parameters)
		},
	}
)

// Register adds a source factory for a type name. Registering an existing
// type replaces it. Additional source implementations plug in through this.
func Register(sourceType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[sourceType] = factory
}

// New builds the source described by cfg and applies its rate limit. An
// unknown type is a configuration error.
func New(cfg config.SourceConfig) (ContentSource, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, &config.ValidationError{
			Field:  "sources",
			Reason: fmt.Sprintf("unknown source type %q for source %q", cfg.Type, cfg.Name),
		}
	}

	src, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond > 0 {
		src = RateLimited(src, cfg.RequestsPerSecond)
	}
	return src, nil
}

// BuildAll builds every configured source, keyed by name.
func BuildAll(cfgs []config.SourceConfig) (map[string]ContentSource, error) {
	sources := make(map[string]ContentSource, len(cfgs))
	for _, cfg := range cfgs {
		src, err := New(cfg)
		if err != nil {
			return nil, err
		}
		sources[src.Name()] = src
	}
	return sources, nil
}
