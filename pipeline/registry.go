package pipeline

import (
	"fmt"
	"sync"

	"hive.evalgo.org/config"
)

var (
	registryMu sync.RWMutex

	pipelines = map[string]func() Pipeline{
		"plain": func() Pipeline { return PlainPipeline{} },
	}

	detectors = map[string]func() RelationshipDetector{
		"noop": func() RelationshipDetector { return NoopDetector{} },
	}
)

// RegisterPipeline adds a pipeline constructor under a name. Registering an
// existing name replaces it.
func RegisterPipeline(name string, constructor func() Pipeline) {
	registryMu.Lock()
	defer registryMu.Unlock()
	pipelines[name] = constructor
}

// RegisterDetector adds a detector constructor under a name.
func RegisterDetector(name string, constructor func() RelationshipDetector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	detectors[name] = constructor
}

// NewPipeline builds the named pipeline. An unknown name is a configuration
// error.
func NewPipeline(name string) (Pipeline, error) {
	registryMu.RLock()
	constructor, ok := pipelines[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &config.ValidationError{
			Field:  "pipeline.name",
			Reason: fmt.Sprintf("unknown pipeline %q", name),
		}
	}
	return constructor(), nil
}

// NewDetector builds the named relationship detector.
func NewDetector(name string) (RelationshipDetector, error) {
	registryMu.RLock()
	constructor, ok := detectors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &config.ValidationError{
			Field:  "pipeline.detector",
			Reason: fmt.Sprintf("unknown detector %q", name),
		}
	}
	return constructor(), nil
}
