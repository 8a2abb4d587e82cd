// internal/models/food.go
package models

type FoodClass string

const (
	ClassProtein   FoodClass = "protein"
	ClassFat       FoodClass = "fat"
	ClassCarb      FoodClass = "carb"
	ClassVegetable FoodClass = "vegetable"
)

type Food struct {
	Name     string    `yaml:"name" json:"name"`
	Category string    `yaml:"category" json:"category"`
	Class    FoodClass `yaml:"class" json:"class"`
	Diets    []string  `yaml:"diets" json:"diets"`
	Cost     string    `yaml:"cost" json:"cost"`
}

// SuitsDiet reports whether the food is tagged with diet.
func (f Food) SuitsDiet(diet string) bool {
	for _, d := range f.Diets {
		if d == diet {
			return true
		}
	}
	return false
}
