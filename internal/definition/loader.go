// Package definition is the workflow definition store: it loads seed YAML
// definitions, validates them and serves immutable, versioned snapshots.
package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stepflow/model"
)

// Loader scans directories for YAML workflow definition files.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowDefinition. Files are returned in walk order.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile parses a single YAML definition file. Version, activity and
// checksum are assigned at publication, not read from the file.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.Version = 0
	def.Active = false
	def.Checksum = ""
	return def, nil
}

// checksumContent is the part of a definition that determines its identity.
// Bookkeeping fields (id, version, author, timestamps) are excluded so that
// republishing identical content can be detected.
type checksumContent struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	EntityType  model.EntityType     `json:"entity_type"`
	Steps       []model.StepTemplate `json:"steps"`
}

// Checksum returns the SHA-256 of a definition's normalized content.
func Checksum(def model.WorkflowDefinition) string {
	data, _ := json.Marshal(checksumContent{
		Name:        def.Name,
		Description: def.Description,
		EntityType:  def.EntityType,
		Steps:       def.Steps,
	})
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
