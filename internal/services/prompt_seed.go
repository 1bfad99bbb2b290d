package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type promptSeedFile struct {
	Prompts []PromptSeed `yaml:"prompts"`
}

// LoadPromptSeeds parses a prompts.yaml seed file. A missing file is not an
// error; callers fall back to BuiltinSeeds.
func LoadPromptSeeds(path string) ([]PromptSeed, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompt seeds: %w", err)
	}
	var f promptSeedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse prompt seeds %s: %w", path, err)
	}
	return f.Prompts, nil
}
