package bot

import (
	"strconv"
	"strings"

	"diet-report/internal/foods"
)

// reply is a parse failure whose text is sent back to the user as is.
type reply string

func (r reply) Error() string { return string(r) }

const errChooseButton = reply("Please choose one of the buttons below.")

// question is one questionnaire prompt. Each answer is submitted as its own
// step so the session merge sees the chat in the same shape as the web form.
type question struct {
	prompt  string
	options [][]string
	parse   func(text string) (map[string]any, error)
}

var questions = []question{
	{
		prompt:  "👋 Hi! I will calculate your daily macros and prepare a personalized nutrition report. First, your sex:",
		options: [][]string{{"Male", "Female"}},
		parse: choice(map[string]map[string]any{
			"male":   {"sex": "male"},
			"female": {"sex": "female"},
		}),
	},
	{
		prompt: "How old are you?",
		parse:  number("age", 13, 100, "Please enter your age in years (for example, 35):"),
	},
	{
		prompt: "Your height in centimeters (for example, 175):",
		parse:  number("height_cm", 100, 250, "Please enter a valid height in centimeters (for example, 175):"),
	},
	{
		prompt: "Your weight in kilograms (for example, 70):",
		parse:  number("weight_kg", 30, 350, "Please enter a valid weight in kilograms (for example, 70):"),
	},
	{
		prompt:  "How active are you during a normal day?",
		options: [][]string{{"Sedentary", "Light", "Moderate"}, {"Active", "Very active"}},
		parse: choice(map[string]map[string]any{
			"sedentary":   {"activity_level": "sedentary"},
			"light":       {"activity_level": "light"},
			"moderate":    {"activity_level": "moderate"},
			"active":      {"activity_level": "active"},
			"very active": {"activity_level": "very_active"},
		}),
	},
	{
		prompt:  "What is your goal?",
		options: [][]string{{"Lose weight", "Maintain weight"}, {"Gain weight"}},
		parse: choice(map[string]map[string]any{
			"lose weight":     {"goal": "lose", "deficit_percent": 15},
			"maintain weight": {"goal": "maintain"},
			"gain weight":     {"goal": "gain", "deficit_percent": 10},
		}),
	},
	{
		prompt:  "Which diet do you follow or want to try?",
		options: dietRows(3),
		parse: func(text string) (map[string]any, error) {
			diet := strings.ToLower(strings.TrimSpace(text))
			if !foods.KnownDiet(diet) {
				return nil, errChooseButton
			}
			return map[string]any{"diet_type": diet}, nil
		},
	},
	{
		prompt:  "Any food allergies? List them separated by commas, or press \"None\".",
		options: [][]string{{"None"}},
		parse:   freeText("allergies"),
	},
	{
		prompt:  "Any foods you want to avoid? List them separated by commas, or press \"None\".",
		options: [][]string{{"None"}},
		parse:   freeText("foods_to_avoid"),
	},
}

func choice(answers map[string]map[string]any) func(string) (map[string]any, error) {
	return func(text string) (map[string]any, error) {
		payload, ok := answers[strings.ToLower(strings.TrimSpace(text))]
		if !ok {
			return nil, errChooseButton
		}
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		return out, nil
	}
}

func number(field string, min, max float64, hint string) func(string) (map[string]any, error) {
	return func(text string) (map[string]any, error) {
		v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(text), ",", "."), 64)
		if err != nil || v < min || v > max {
			return nil, reply(hint)
		}
		return map[string]any{field: v}, nil
	}
}

func freeText(field string) func(string) (map[string]any, error) {
	return func(text string) (map[string]any, error) {
		text = strings.TrimSpace(text)
		if len(text) > 500 {
			return nil, reply("Please keep the answer under 500 characters.")
		}
		return map[string]any{"health": map[string]any{field: text}}, nil
	}
}

func dietRows(perRow int) [][]string {
	var rows [][]string
	for i := 0; i < len(foods.Diets); i += perRow {
		end := i + perRow
		if end > len(foods.Diets) {
			end = len(foods.Diets)
		}
		rows = append(rows, append([]string(nil), foods.Diets[i:end]...))
	}
	return rows
}
