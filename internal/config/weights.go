package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// LoadScoringWeights reads factor multipliers from a YAML file. Fields
// absent from the file keep their default values; a zero weight must be
// stated explicitly.
func LoadScoringWeights(path string) (domain.ScoringWeights, error) {
	weights := domain.DefaultScoringWeights()
	if path == "" {
		return weights, nil
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return weights, fmt.Errorf("op=config.LoadScoringWeights: %w", err)
	}

	var overlay struct {
		Weights map[string]float64 `yaml:"weights"`
	}
	if err := yaml.Unmarshal(content, &overlay); err != nil {
		return weights, fmt.Errorf("op=config.LoadScoringWeights: %w", err)
	}

	for name, v := range overlay.Weights {
		switch name {
		case "workload":
			weights.Workload = v
		case "error_history":
			weights.ErrorHistory = v
		case "context_headroom":
			weights.ContextHeadroom = v
		case "cost_efficiency":
			weights.CostEfficiency = v
		case "capability_match":
			weights.CapabilityMatch = v
		case "role_match":
			weights.RoleMatch = v
		case "repo_familiarity":
			weights.RepoFamiliarity = v
		default:
			return weights, fmt.Errorf("op=config.LoadScoringWeights: unknown weight %q", name)
		}
	}
	return weights, nil
}
