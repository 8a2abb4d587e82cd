// Package foods holds the static, versioned food knowledge base.
package foods

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"diet-report/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge_base.yaml
var knowledgeBaseYAML []byte

// Diets are the diet types the knowledge base is tagged with.
var Diets = []string{
	"carnivore", "lion", "keto", "paleo", "animal-based",
	"mediterranean", "balanced", "vegetarian", "vegan",
}

type KnowledgeBase struct {
	Version string        `yaml:"version"`
	Foods   []models.Food `yaml:"foods"`
}

var (
	defaultOnce sync.Once
	defaultKB   *KnowledgeBase
	defaultErr  error
)

// Default returns the embedded knowledge base, parsed once.
func Default() (*KnowledgeBase, error) {
	defaultOnce.Do(func() {
		defaultKB, defaultErr = Parse(knowledgeBaseYAML)
	})
	return defaultKB, defaultErr
}

// Parse decodes and validates a knowledge base document.
func Parse(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	if kb.Version == "" {
		return nil, fmt.Errorf("knowledge base has no version")
	}
	seen := make(map[string]bool, len(kb.Foods))
	for i, f := range kb.Foods {
		key := strings.ToLower(f.Name)
		if f.Name == "" || f.Category == "" {
			return nil, fmt.Errorf("food #%d: name and category are required", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate food %q", f.Name)
		}
		switch f.Class {
		case models.ClassProtein, models.ClassFat, models.ClassCarb, models.ClassVegetable:
		default:
			return nil, fmt.Errorf("food %q: unknown class %q", f.Name, f.Class)
		}
		for _, d := range f.Diets {
			if !KnownDiet(d) {
				return nil, fmt.Errorf("food %q: unknown diet %q", f.Name, d)
			}
		}
		seen[key] = true
	}
	return &kb, nil
}

// KnownDiet reports whether diet is one of Diets.
func KnownDiet(diet string) bool {
	for _, d := range Diets {
		if d == diet {
			return true
		}
	}
	return false
}

// ForDiet returns the entries tagged with diet, in table order.
func (kb *KnowledgeBase) ForDiet(diet string) []models.Food {
	var out []models.Food
	for _, f := range kb.Foods {
		if f.SuitsDiet(diet) {
			out = append(out, f)
		}
	}
	return out
}
