package foods

import (
	"testing"

	"diet-report/internal/models"
)

func TestDefaultKnowledgeBase(t *testing.T) {
	kb, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if kb.Version == "" {
		t.Fatalf("expected a version")
	}
	for _, diet := range Diets {
		var proteins, fats int
		for _, f := range kb.ForDiet(diet) {
			switch f.Class {
			case models.ClassProtein:
				proteins++
			case models.ClassFat:
				fats++
			}
		}
		if proteins == 0 || fats == 0 {
			t.Fatalf("diet %s: proteins=%d fats=%d, want both > 0", diet, proteins, fats)
		}
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"no version":   "foods: []",
		"bad class":    "version: x\nfoods:\n  - {name: A, category: b, class: snack, diets: [keto]}",
		"bad diet":     "version: x\nfoods:\n  - {name: A, category: b, class: fat, diets: [atkins]}",
		"duplicate":    "version: x\nfoods:\n  - {name: A, category: b, class: fat}\n  - {name: a, category: b, class: fat}",
		"missing name": "version: x\nfoods:\n  - {category: b, class: fat}",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
