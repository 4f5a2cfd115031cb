package corpus

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Example is one hand-curated corpus entry.
type Example struct {
	Text    string `yaml:"text"`
	Perform bool   `yaml:"perform"`
	Label   string `yaml:"label"`
}

// curatedFile is the on-disk document shape.
type curatedFile struct {
	Examples []Example `yaml:"examples"`
}

// LoadCurated reads hand-written examples from a YAML file shaped
//
//	examples:
//	  - text: how warm is it right now
//	    perform: true
//	    label: current_value
//
// An empty path means no curated data.
func LoadCurated(path string) ([]Example, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: read curated file: %w", err)
	}
	var doc curatedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corpus: parse curated file %s: %w", path, err)
	}
	return doc.Examples, nil
}
