package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sempervigil/sempervigil/internal/types"
)

// SourcesFile is the on-disk schema of a source import file:
//
//	sources:
//	  - id: vendor-blog
//	    kind: rss
//	    url: https://vendor.example.com/feed.xml
//	    tags: [vendor]
//
// Import files carry only configuration; runtime state (pause, cache hints,
// last run) never appears here and survives re-imports untouched.
type SourcesFile struct {
	Sources []SourceEntry `yaml:"sources"`
}

// SourceEntry wraps types.Source so an omitted `enabled` key means true.
type SourceEntry struct {
	types.Source
}

// UnmarshalYAML decodes one entry, leaving Enabled true unless the file
// says otherwise.
func (e *SourceEntry) UnmarshalYAML(node *yaml.Node) error {
	e.Source.Enabled = true
	return node.Decode(&e.Source)
}

// LoadSourcesFile reads and validates a source import file.
func LoadSourcesFile(path string) ([]*types.Source, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the import command line
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	sources, err := ParseSourcesFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sources, nil
}

// ParseSourcesFile parses source import YAML and validates every entry.
// One bad entry fails the whole file, so imports are all-or-nothing.
func ParseSourcesFile(data []byte) ([]*types.Source, error) {
	var f SourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("sources file defines no sources")
	}

	seen := make(map[string]bool, len(f.Sources))
	out := make([]*types.Source, 0, len(f.Sources))
	for i := range f.Sources {
		src := f.Sources[i].Source
		src.SetDefaults()
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i+1, err)
		}
		if seen[src.ID] {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		out = append(out, &src)
	}
	return out, nil
}
