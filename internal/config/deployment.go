package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeploymentConfig describes one worker Deployment's scaling envelope,
// per spec.md §4.6. QueueNames maps this deployment to the broker
// queues whose depths are summed into its total_depth.
type DeploymentConfig struct {
	Name              string   `yaml:"name"`
	Namespace         string   `yaml:"namespace"`
	QueueNames        []string `yaml:"queue_names"`
	MinReplicas       int32    `yaml:"min_replicas"`
	MaxReplicas       int32    `yaml:"max_replicas"`
	ScaleUpThreshold  int64    `yaml:"scale_up_threshold"`
	ScaleDownThreshold int64   `yaml:"scale_down_threshold"`
}

// DeploymentTable is the static deployment → scaling-envelope table the
// Autoscaler polls against.
type DeploymentTable struct {
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// LoadDeploymentTable reads and parses the YAML deployment table.
func LoadDeploymentTable(path string) (DeploymentTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DeploymentTable{}, fmt.Errorf("op=config.LoadDeploymentTable: %w", err)
	}
	var table DeploymentTable
	if err := yaml.Unmarshal(b, &table); err != nil {
		return DeploymentTable{}, fmt.Errorf("op=config.LoadDeploymentTable: unmarshal: %w", err)
	}
	return table, nil
}
