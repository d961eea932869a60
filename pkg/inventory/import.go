package inventory

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

// targetDocument is the on-disk shape of a target in an import file.
type targetDocument struct {
	ID           string   `yaml:"id"`
	Address      string   `yaml:"address"`
	Vendor       string   `yaml:"vendor"`
	Tags         []string `yaml:"tags"`
	Capabilities []string `yaml:"capabilities"`
}

type importDocument struct {
	Targets []targetDocument `yaml:"targets"`
}

// DecodeTargets reads targets from a YAML or JSON document. Both a top-level
// list and a {targets: [...]} mapping are accepted.
func DecodeTargets(r io.Reader) ([]*engine.Target, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets: %w", err)
	}

	var docs []targetDocument
	if err := yaml.Unmarshal(data, &docs); err != nil {
		var wrapped importDocument
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("failed to parse targets: %w", err)
		}
		docs = wrapped.Targets
	}

	targets := make([]*engine.Target, 0, len(docs))
	for _, d := range docs {
		targets = append(targets, &engine.Target{
			ID:           d.ID,
			Address:      d.Address,
			Vendor:       d.Vendor,
			Tags:         d.Tags,
			Capabilities: d.Capabilities,
		})
	}
	return targets, nil
}
