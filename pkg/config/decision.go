package config

// DecisionConfig controls the switching decision engine.
type DecisionConfig struct {
	// ArtifactDir is where uploaded model artifacts are stored.
	ArtifactDir string `yaml:"artifact_dir"`

	// SavingsThreshold is the minimum relative saving of spot over
	// on-demand before the threshold engine recommends spot.
	SavingsThreshold float64 `yaml:"savings_threshold"`
}

// DefaultDecisionConfig returns the built-in decision engine defaults.
func DefaultDecisionConfig() *DecisionConfig {
	return &DecisionConfig{
		ArtifactDir:      "/var/lib/spotplane/artifacts",
		SavingsThreshold: 0.30,
	}
}
