package dietfilter

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"diet-report/internal/models"
)

const (
	ShapeOneMeal    = "one_meal_a_day"
	ShapeTwoMeals   = "two_meals"
	ShapeThreeMeals = "three_meals"
)

type mealSlot struct {
	Name string
	tmpl *template.Template
}

type slotData struct {
	Protein   string
	Fat       string
	Carb      string
	Vegetable string
	// Salt and Water are false when the person excluded them.
	Salt  bool
	Water bool
}

func mustSlot(name, text string) mealSlot {
	return mealSlot{Name: name, tmpl: template.Must(template.New(name).Parse(text))}
}

// Templates must not name foods themselves; every food comes from slotData
// and seasoning only appears behind its flag.
var shapes = map[string][]mealSlot{
	ShapeOneMeal: {
		mustSlot("Daily meal", "{{.Protein}} cooked in {{.Fat}}{{if .Salt}}, salted to taste{{end}}, eaten until full.{{if .Water}} Water between meals.{{end}}"),
	},
	ShapeTwoMeals: {
		mustSlot("First meal", "{{.Protein}} cooked in {{.Fat}}{{if .Salt}}, salted to taste{{end}}."),
		mustSlot("Second meal", "{{.Protein}} with {{.Fat}}."),
	},
	ShapeThreeMeals: {
		mustSlot("Breakfast", "{{.Protein}} prepared with {{.Fat}}{{if .Carb}}, plus {{.Carb}}{{end}}."),
		mustSlot("Lunch", "{{.Protein}} dressed with {{.Fat}}{{if .Vegetable}}, served with {{.Vegetable}}{{end}}."),
		mustSlot("Dinner", "{{.Protein}} cooked in {{.Fat}}{{if .Vegetable}} alongside {{.Vegetable}}{{end}}{{if .Carb}} and {{.Carb}}{{end}}."),
	},
}

// ShapeFor picks the single pattern shape used for diet.
func ShapeFor(diet string) string {
	switch diet {
	case "lion":
		return ShapeOneMeal
	case "carnivore":
		return ShapeTwoMeals
	default:
		return ShapeThreeMeals
	}
}

func pick(list []models.Food, i int) string {
	if len(list) == 0 {
		return ""
	}
	return strings.ToLower(list[i%len(list)].Name)
}

func renderPattern(g Guide, ex Exclusions) (MealPattern, error) {
	shape := ShapeFor(g.DietType)
	p := MealPattern{Shape: shape}
	salt := ex.Mentions("salted to taste") == ""
	water := ex.Mentions("water between meals") == ""
	for i, slot := range shapes[shape] {
		data := slotData{
			Protein:   pick(g.Proteins, i),
			Fat:       pick(g.Fats, i),
			Carb:      pick(g.Carbs, i),
			Vegetable: pick(g.Vegetables, i),
			Salt:      salt,
			Water:     water,
		}
		var buf bytes.Buffer
		if err := slot.tmpl.Execute(&buf, data); err != nil {
			return MealPattern{}, fmt.Errorf("render %s: %w", slot.Name, err)
		}
		text := buf.String()
		var used []string
		for _, name := range []string{data.Protein, data.Fat, data.Carb, data.Vegetable} {
			if name != "" && strings.Contains(text, name) {
				used = append(used, name)
			}
		}
		p.Meals = append(p.Meals, Meal{
			Name:  slot.Name,
			Text:  strings.ToUpper(text[:1]) + text[1:],
			Foods: used,
		})
	}
	return p, nil
}
