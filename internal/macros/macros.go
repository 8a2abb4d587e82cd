// Package macros computes calorie and macronutrient targets.
package macros

import (
	"fmt"
	"math"
	"strings"

	"diet-report/internal/apperr"
	"diet-report/internal/models"
)

const (
	cmPerInch = 2.54
	kgPerLb   = 0.45359237

	kcalPerGramProtein = 4.0
	kcalPerGramCarb    = 4.0
	kcalPerGramFat     = 9.0
)

type Goal string

const (
	GoalLose     Goal = "lose"
	GoalMaintain Goal = "maintain"
	GoalGain     Goal = "gain"
)

// activityMultipliers is keyed by daily activity tier.
var activityMultipliers = map[string]float64{
	"sedentary":   1.2,
	"light":       1.375,
	"moderate":    1.55,
	"active":      1.725,
	"very_active": 1.9,
}

// exerciseBonus is added on top of the activity tier for deliberate training
// sessions per week. An empty frequency means no training.
var exerciseBonus = map[string]float64{
	"":      0,
	"none":  0,
	"1-2":   0.05,
	"3-4":   0.1,
	"5-6":   0.15,
	"daily": 0.2,
}

// ratio is the diet-specific split: protein grams per kg of body weight and
// the share of the remaining calories that comes from fat (rest is carbs).
type ratio struct {
	proteinPerKg float64
	fatShare     float64
}

var dietRatios = map[string]ratio{
	"carnivore":     {proteinPerKg: 2.0, fatShare: 1.0},
	"lion":          {proteinPerKg: 2.0, fatShare: 1.0},
	"keto":          {proteinPerKg: 1.6, fatShare: 0.9},
	"animal-based":  {proteinPerKg: 1.8, fatShare: 0.6},
	"paleo":         {proteinPerKg: 1.8, fatShare: 0.5},
	"mediterranean": {proteinPerKg: 1.4, fatShare: 0.4},
	"balanced":      {proteinPerKg: 1.6, fatShare: 0.35},
	"vegetarian":    {proteinPerKg: 1.4, fatShare: 0.3},
	"vegan":         {proteinPerKg: 1.3, fatShare: 0.3},
}

// Input is expressed in SI units; imperial values are converted by FromProfile.
type Input struct {
	Sex               string
	Age               float64
	HeightCm          float64
	WeightKg          float64
	ActivityLevel     string
	ExerciseFrequency string
	Goal              Goal
	AdjustPercent     float64
	DietType          string
}

type Result struct {
	Calories int `json:"calories"`
	ProteinG int `json:"protein_g"`
	FatG     int `json:"fat_g"`
	CarbG    int `json:"carb_g"`

	BMR         float64 `json:"bmr"`
	Maintenance float64 `json:"maintenance_calories"`
	Multiplier  float64 `json:"activity_multiplier"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperr.ErrValidation}, args...)...)
}

// FromProfile converts questionnaire answers to an Input. Height may be given
// in cm or ft+in, weight in kg or lb; metric wins when both are present.
func FromProfile(p models.Profile) (Input, error) {
	in := Input{
		Sex:               strings.ToLower(strings.TrimSpace(p.Sex)),
		ActivityLevel:     strings.ToLower(strings.TrimSpace(p.ActivityLevel)),
		ExerciseFrequency: strings.ToLower(strings.TrimSpace(p.ExerciseFrequency)),
		Goal:              Goal(strings.ToLower(strings.TrimSpace(p.Goal))),
		DietType:          strings.ToLower(strings.TrimSpace(p.DietType)),
	}
	if p.Age == nil {
		return in, invalid("age is required")
	}
	in.Age = *p.Age

	switch {
	case p.HeightCm != nil:
		in.HeightCm = *p.HeightCm
	case p.HeightFt != nil:
		inches := *p.HeightFt * 12
		if p.HeightIn != nil {
			inches += *p.HeightIn
		}
		in.HeightCm = inches * cmPerInch
	default:
		return in, invalid("height is required")
	}

	switch {
	case p.WeightKg != nil:
		in.WeightKg = *p.WeightKg
	case p.WeightLb != nil:
		in.WeightKg = *p.WeightLb * kgPerLb
	default:
		return in, invalid("weight is required")
	}

	if p.AdjustPercent != nil {
		in.AdjustPercent = *p.AdjustPercent
	}
	return in, nil
}

// Validate rejects physiologically implausible or unknown inputs.
func (in Input) Validate() error {
	if in.Sex != "male" && in.Sex != "female" {
		return invalid("sex must be male or female, got %q", in.Sex)
	}
	if in.Age < 13 || in.Age > 100 {
		return invalid("age must be between 13 and 100, got %v", in.Age)
	}
	if in.HeightCm < 100 || in.HeightCm > 250 {
		return invalid("height must be between 100 and 250 cm, got %.1f", in.HeightCm)
	}
	if in.WeightKg < 30 || in.WeightKg > 350 {
		return invalid("weight must be between 30 and 350 kg, got %.1f", in.WeightKg)
	}
	if _, ok := activityMultipliers[in.ActivityLevel]; !ok {
		return invalid("unknown activity level %q", in.ActivityLevel)
	}
	if _, ok := exerciseBonus[in.ExerciseFrequency]; !ok {
		return invalid("unknown exercise frequency %q", in.ExerciseFrequency)
	}
	switch in.Goal {
	case GoalLose, GoalMaintain, GoalGain:
	default:
		return invalid("goal must be lose, maintain or gain, got %q", in.Goal)
	}
	if in.AdjustPercent < 0 || in.AdjustPercent > 50 {
		return invalid("deficit/surplus percent must be between 0 and 50, got %v", in.AdjustPercent)
	}
	if _, ok := dietRatios[in.DietType]; !ok {
		return invalid("unknown diet type %q", in.DietType)
	}
	return nil
}

// Compute returns the daily targets for in. It is a pure function.
func Compute(in Input) (Result, error) {
	if err := in.Validate(); err != nil {
		return Result{}, err
	}

	// Mifflin-St Jeor
	bmr := 10*in.WeightKg + 6.25*in.HeightCm - 5*in.Age
	if in.Sex == "male" {
		bmr += 5
	} else {
		bmr -= 161
	}

	mult := activityMultipliers[in.ActivityLevel] + exerciseBonus[in.ExerciseFrequency]
	tee := bmr * mult

	target := tee
	switch in.Goal {
	case GoalLose:
		target = tee * (1 - in.AdjustPercent/100)
	case GoalGain:
		target = tee * (1 + in.AdjustPercent/100)
	}

	r := dietRatios[in.DietType]
	proteinG := r.proteinPerKg * in.WeightKg
	remaining := target - proteinG*kcalPerGramProtein
	if remaining < 0 {
		return Result{}, invalid("calorie target %.0f cannot cover %.0f g protein", target, proteinG)
	}
	fatG := remaining * r.fatShare / kcalPerGramFat
	carbG := remaining * (1 - r.fatShare) / kcalPerGramCarb

	return Result{
		Calories:    int(math.Round(target)),
		ProteinG:    int(math.Round(proteinG)),
		FatG:        int(math.Round(fatG)),
		CarbG:       int(math.Round(carbG)),
		BMR:         bmr,
		Maintenance: tee,
		Multiplier:  mult,
	}, nil
}

// ComputeProfile is FromProfile followed by Compute.
func ComputeProfile(p models.Profile) (Result, error) {
	in, err := FromProfile(p)
	if err != nil {
		return Result{}, err
	}
	return Compute(in)
}
