// Package dietfilter narrows the food knowledge base to what a person may eat
// and renders meal patterns from that admissible subset only.
package dietfilter

import (
	"fmt"
	"strings"

	"diet-report/internal/apperr"
	"diet-report/internal/foods"
	"diet-report/internal/models"
)

type Exclusion struct {
	Food   string `json:"food"`
	Reason string `json:"reason"`
}

type Meal struct {
	Name  string   `json:"name"`
	Text  string   `json:"text"`
	Foods []string `json:"foods"`
}

type MealPattern struct {
	Shape string `json:"shape"`
	Meals []Meal `json:"meals"`
}

// Guide is everything downstream artifacts may reference. No field ever
// holds an excluded food.
type Guide struct {
	DietType   string        `json:"diet_type"`
	KBVersion  string        `json:"kb_version"`
	Proteins   []models.Food `json:"proteins"`
	Fats       []models.Food `json:"fats"`
	Carbs      []models.Food `json:"carbs,omitempty"`
	Vegetables []models.Food `json:"vegetables,omitempty"`
	Pattern    MealPattern   `json:"meal_pattern"`
	Excluded   []Exclusion   `json:"excluded"`
	Allergens  []string      `json:"allergens,omitempty"`
	Avoid      []string      `json:"avoid,omitempty"`
}

// Filter applies diet, allergy and restriction rules to kb.
func Filter(kb *foods.KnowledgeBase, dietType, allergies, restrictions string) (Guide, error) {
	diet := strings.ToLower(strings.TrimSpace(dietType))
	if !foods.KnownDiet(diet) {
		return Guide{}, fmt.Errorf("%w: unknown diet type %q", apperr.ErrValidation, dietType)
	}
	ex := NewExclusions(allergies, restrictions)

	g := Guide{
		DietType:  diet,
		KBVersion: kb.Version,
		Allergens: ex.Allergens(),
		Avoid:     ex.Tokens(),
	}
	for _, f := range kb.ForDiet(diet) {
		if reason := ex.Match(f); reason != "" {
			g.Excluded = append(g.Excluded, Exclusion{Food: f.Name, Reason: reason})
			continue
		}
		switch f.Class {
		case models.ClassProtein:
			g.Proteins = append(g.Proteins, f)
		case models.ClassFat:
			g.Fats = append(g.Fats, f)
		case models.ClassCarb:
			g.Carbs = append(g.Carbs, f)
		case models.ClassVegetable:
			g.Vegetables = append(g.Vegetables, f)
		}
	}

	if len(g.Proteins) == 0 {
		return Guide{}, fmt.Errorf("%w: no protein left for %s diet", apperr.ErrNoAdmissibleFood, diet)
	}
	if len(g.Fats) == 0 {
		return Guide{}, fmt.Errorf("%w: no fat left for %s diet", apperr.ErrNoAdmissibleFood, diet)
	}

	pattern, err := renderPattern(g, ex)
	if err != nil {
		return Guide{}, err
	}
	if err := checkLeaks(pattern, g, ex); err != nil {
		return Guide{}, err
	}
	g.Pattern = pattern
	return g, nil
}

// FilterProfile runs Filter with the profile's diet, allergies and foods to
// avoid.
func FilterProfile(kb *foods.KnowledgeBase, p models.Profile) (Guide, error) {
	return Filter(kb, p.DietType, p.Health.Allergies, p.Health.FoodsToAvoid)
}

// checkLeaks re-verifies the admissible lists and the rendered text against
// excluded food names, allergen terms and restriction tokens. Names
// of the foods a meal was built from are blanked out first, so "peanut
// butter" does not trip over an excluded "butter".
func checkLeaks(p MealPattern, g Guide, ex Exclusions) error {
	admissible := map[string]bool{}
	for _, list := range [][]models.Food{g.Proteins, g.Fats, g.Carbs, g.Vegetables} {
		for _, f := range list {
			if reason := ex.Match(f); reason != "" {
				return fmt.Errorf("excluded food %q (%s) reached the admissible list", f.Name, reason)
			}
			admissible[strings.ToLower(f.Name)] = true
		}
	}
	for _, m := range p.Meals {
		text := strings.ToLower(m.Text)
		for _, used := range m.Foods {
			if !admissible[used] {
				return fmt.Errorf("meal %q uses %q which is not admissible", m.Name, used)
			}
			text = strings.ReplaceAll(text, used, " ")
		}
		for _, e := range g.Excluded {
			if strings.Contains(text, strings.ToLower(e.Food)) {
				return fmt.Errorf("meal %q mentions excluded food %q", m.Name, e.Food)
			}
		}
		if reason := ex.Mentions(text); reason != "" {
			return fmt.Errorf("meal %q mentions an excluded ingredient: %s", m.Name, reason)
		}
	}
	return nil
}
