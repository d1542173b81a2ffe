package discovery

import (
	"strings"

	yaml "gopkg.in/yaml.v2"
)

// pipelineComponents is the subset of a pipeline configuration the agent
// inspects; everything else is treated as opaque.
type pipelineComponents struct {
	Transforms map[string]componentInputs `yaml:"transforms"`
	Sinks      map[string]componentInputs `yaml:"sinks"`
}

type componentInputs struct {
	Inputs []string `yaml:"inputs"`
}

// ReferencesDiscoverySources reports whether the configuration consumes
// discovery-tagged components, which is what makes a discovery run worthwhile.
// Unparseable content is treated as not referencing discovery.
func ReferencesDiscoverySources(data []byte) bool {
	var cfg pipelineComponents
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return false
	}
	for _, component := range cfg.Transforms {
		if consumesDiscovery(component.Inputs) {
			return true
		}
	}
	for _, component := range cfg.Sinks {
		if consumesDiscovery(component.Inputs) {
			return true
		}
	}
	return false
}

func consumesDiscovery(inputs []string) bool {
	for _, input := range inputs {
		if strings.HasPrefix(input, ComponentPrefix) {
			return true
		}
	}
	return false
}
