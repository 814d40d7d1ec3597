package queues

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk list of available queues.
//
//	queues:
//	  - default
//	  - mailers
type File struct {
	Queues []string `yaml:"queues"`
}

// LoadAvailable reads the available-queue list from a YAML file. An empty
// path or a missing file yields no queues, leaving DefaultQueues in effect.
func LoadAvailable(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queues file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing queues file %s: %w", path, err)
	}

	var out []string
	for _, q := range f.Queues {
		if q != "" {
			out = append(out, q)
		}
	}
	return out, nil
}
