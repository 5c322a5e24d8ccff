package config

import (
	"net/url"
	"sort"
	"strings"
)

// credentialKeys are source parameter names that never enter the run
// fingerprint. Two workers reading the same bucket with different keys are
// working on the same documents.
var credentialKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"access_key":    true,
	"secret_key":    true,
	"session_token": true,
	"username":      true,
}

// Snapshot returns the subset of the configuration that defines the run
// identity: sources, embedding model, ontologies, relationship detection and
// the storage target. Operational knobs (timeouts, poll intervals, crawl
// depth, log level, worker identity) are deliberately left out so that
// tuning them does not fork a new run. Crawl depth in particular travels on
// each queue item instead, which is what lets it vary within a run.
//
// The result only contains types the fingerprint canonicalizer accepts, and
// list-valued sections are sorted so that reordering entries in a YAML file
// does not change the identity either.
func (c *Config) Snapshot() map[string]interface{} {
	sources := make([]map[string]interface{}, 0, len(c.Sources))
	for _, src := range c.Sources {
		params := make(map[string]interface{})
		for k, v := range src.Parameters {
			key := strings.ToLower(k)
			if credentialKeys[key] {
				continue
			}
			// Connection URLs may carry credentials in their userinfo part.
			if key == "url" || key == "endpoint" {
				v = sanitizeTarget(v)
			}
			params[k] = v
		}
		sources = append(sources, map[string]interface{}{
			"name":       src.Name,
			"type":       src.Type,
			"parameters": params,
		})
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i]["name"].(string) < sources[j]["name"].(string)
	})

	ontologies := make([]map[string]interface{}, 0, len(c.Pipeline.Ontologies))
	for _, o := range c.Pipeline.Ontologies {
		ontologies = append(ontologies, map[string]interface{}{
			"id":      o.ID,
			"version": o.Version,
		})
	}
	sort.Slice(ontologies, func(i, j int) bool {
		return ontologies[i]["id"].(string) < ontologies[j]["id"].(string)
	})

	return map[string]interface{}{
		"sources": sources,
		"embedding": map[string]interface{}{
			"provider":   c.Pipeline.Embedding.Provider,
			"model":      c.Pipeline.Embedding.Model,
			"dimensions": c.Pipeline.Embedding.Dimensions,
		},
		"ontologies": ontologies,
		"relationships": map[string]interface{}{
			"enabled":  c.Pipeline.DetectRelationships,
			"detector": c.Pipeline.Detector,
		},
		"storage": map[string]interface{}{
			"target": sanitizeTarget(c.Artifacts.URL),
		},
	}
}

// sanitizeTarget strips credentials from a connection URL so they neither
// influence the fingerprint nor end up persisted in the run's config
// snapshot.
func sanitizeTarget(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
