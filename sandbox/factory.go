package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// NewBackend creates the provisioner and runner pair for the configured
// backend. The mysql backend talks to a real server; the mock backend keeps
// everything in memory for tests and database-less development.
func NewBackend(logger *zap.Logger, cfg *Config, fixtures FixtureSource) (SchemaProvisioner, QueryRunner, error) {
	var policies *PolicySet
	if cfg.PolicyFile != "" {
		var err error
		policies, err = LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
	}

	guard, err := NewGuard(cfg, policies)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Backend {
	case "mysql":
		return NewMySQLProvisioner(logger, cfg, fixtures), NewMySQLRunner(logger, cfg, guard), nil
	case "mock":
		return NewMockProvisioner(logger, fixtures), NewMockRunner(logger, cfg, guard, fixtures), nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
