package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stepflow/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadPolicyFile builds a Directory from a static YAML file mapping roles to
// capability strings:
//
//	roles:
//	  ROLE_ADMIN: ["*"]
//	  MANAGER: ["instance:resolve", "instance:cancel"]
//
// Role keys are canonicalized; an unknown role is an error. An empty path
// yields the default policy.
func LoadPolicyFile(path string) (*Directory, error) {
	if path == "" {
		return NewDirectory(DefaultPolicy()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capability: reading policy file %s: %w", path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("capability: parsing policy file %s: %w", path, err)
	}

	policy := make(map[model.Role][]string, len(p.Roles))
	for raw, caps := range p.Roles {
		role, err := model.ParseRole(raw)
		if err != nil {
			return nil, fmt.Errorf("capability: policy file %s: %w", path, err)
		}
		policy[role] = append(policy[role], caps...)
	}
	return NewDirectory(policy), nil
}
