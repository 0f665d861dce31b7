package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/entity_engine/internal/engine/deploy"
)

// deploymentsFile is the layout of a standalone deployments file.
type deploymentsFile struct {
	Deployments map[string]DeploymentConfig `yaml:"deployments"`
}

// LoadDeployments loads deployment descriptors from config/deployments.yaml.
func LoadDeployments() (map[string]DeploymentConfig, error) {
	return LoadDeploymentsFromPath(filepath.Join("config", "deployments.yaml"))
}

// LoadDeploymentsFromPath loads deployment descriptors from a specific path.
func LoadDeploymentsFromPath(path string) (map[string]DeploymentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments config: %w", err)
	}

	var f deploymentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse deployments config: %w", err)
	}

	for id, dc := range f.Deployments {
		if dc.ID == "" {
			dc.ID = id
			f.Deployments[id] = dc
		}
		if dc.ID != id {
			return nil, fmt.Errorf("deployment %s: id %q does not match its key", id, dc.ID)
		}
	}
	return f.Deployments, nil
}

// LoadDeploymentsOrDefault loads deployment descriptors or returns the
// defaults if the file cannot be read.
func LoadDeploymentsOrDefault() map[string]DeploymentConfig {
	d, err := LoadDeployments()
	if err != nil {
		return DefaultDeployments()
	}
	return d
}

// DefaultDeployments returns the descriptors of the bundled beans.
func DefaultDeployments() map[string]DeploymentConfig {
	return map[string]DeploymentConfig{
		"account": {
			Descriptor: deployDescriptor("account", "Account", "Required", map[string][]string{
				"withdraw": {"teller"},
				"remove":   {"manager"},
			}),
		},
	}
}

func deployDescriptor(id, iface, attr string, roles map[string][]string) deploy.Descriptor {
	d := deploy.Descriptor{
		ID:          id,
		Interface:   iface,
		Transaction: attr,
		Methods:     make(map[string]deploy.MethodDescriptor, len(roles)),
	}
	for method, r := range roles {
		d.Methods[method] = deploy.MethodDescriptor{Roles: r}
	}
	return d
}
