package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// RepositoryConfigPath points to a JSON description of the known
	// repositories. If empty, a single unnamed repository rooted at
	// Workspace is assumed.
	RepositoryConfigPath string
	// Workspace is the root of the default repository.
	Workspace string
	// ConfigPath points to a JSON object with the analysis configuration.
	ConfigPath string
	// Targets are the target references to analyse.
	Targets []string

	LogFormat string
	LogLevel  string
	Jobs      int
}

// NewConfig validates a Config value.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target to analyse is required")
	}
	if cfg.RepositoryConfigPath == "" && cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	return &cfg, nil
}
