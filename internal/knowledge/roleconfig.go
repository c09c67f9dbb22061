package knowledge

import (
	"os"

	"gopkg.in/yaml.v3"
)

// RoleConfig holds per-role model settings (e.g. model name, max tokens).
type RoleConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoadRoleConfig loads config from <roleDir>/config.yaml. Returns nil config and nil error if file is missing.
func LoadRoleConfig(roleDir string) (*RoleConfig, error) {
	path := RoleConfigPath(roleDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RoleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveRoleConfig writes the role config to <roleDir>/config.yaml.
func SaveRoleConfig(roleDir string, cfg *RoleConfig) error {
	if err := os.MkdirAll(roleDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(RoleConfigPath(roleDir), data, 0o644)
}
