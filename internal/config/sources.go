package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jobagent/leadpipe/internal/pipeline"
)

// sourceEntry mirrors one sources-file item. Enabled is a pointer so an
// omitted key means enabled, matching how operators write the file.
type sourceEntry struct {
	SourceID       string            `yaml:"source_id"`
	SourceType     string            `yaml:"source_type"`
	URL            string            `yaml:"url"`
	Enabled        *bool             `yaml:"enabled"`
	RateLimitRPS   float64           `yaml:"rate_limit_rps"`
	TimeoutSeconds float64           `yaml:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries"`
	FollowLinks    bool              `yaml:"follow_links"`
	Metadata       map[string]string `yaml:"metadata"`
}

type sourcesFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

// LoadSources reads the declarative sources file from disk.
func LoadSources(path string) ([]pipeline.SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	sources, err := ParseSources(data)
	if err != nil {
		return nil, fmt.Errorf("sources file %s: %w", path, err)
	}
	return sources, nil
}

// ParseSources decodes sources YAML, preserving file order.
func ParseSources(data []byte) ([]pipeline.SourceConfig, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources yaml: %w", err)
	}

	out := make([]pipeline.SourceConfig, 0, len(f.Sources))
	for _, e := range f.Sources {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, pipeline.SourceConfig{
			SourceID:       e.SourceID,
			SourceType:     e.SourceType,
			URL:            e.URL,
			Enabled:        enabled,
			RateLimitRPS:   e.RateLimitRPS,
			TimeoutSeconds: e.TimeoutSeconds,
			MaxRetries:     e.MaxRetries,
			FollowLinks:    e.FollowLinks,
			Metadata:       e.Metadata,
		})
	}
	return out, nil
}
