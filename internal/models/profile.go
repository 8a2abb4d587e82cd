// internal/models/profile.go
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Profile is the typed view of a session's merged questionnaire payload.
// Measurement fields are pointers so that "not answered" differs from zero.
type Profile struct {
	Sex               string   `json:"sex"`
	Age               *float64 `json:"age,omitempty"`
	HeightCm          *float64 `json:"height_cm,omitempty"`
	HeightFt          *float64 `json:"height_ft,omitempty"`
	HeightIn          *float64 `json:"height_in,omitempty"`
	WeightKg          *float64 `json:"weight_kg,omitempty"`
	WeightLb          *float64 `json:"weight_lb,omitempty"`
	ActivityLevel     string   `json:"activity_level"`
	ExerciseFrequency string   `json:"exercise_frequency"`
	Goal              string   `json:"goal"`
	AdjustPercent     *float64 `json:"deficit_percent,omitempty"`
	DietType          string   `json:"diet_type"`

	Health HealthProfile `json:"health"`

	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}

// HealthProfile is the free-text part of the questionnaire.
type HealthProfile struct {
	Medications   string `json:"medications"`
	Conditions    string `json:"conditions"`
	Symptoms      string `json:"symptoms"`
	Allergies     string `json:"allergies"`
	FoodsToAvoid  string `json:"foods_to_avoid"`
	PreviousDiets string `json:"previous_diets"`
	Budget        string `json:"budget"`
}

// ProfileFromPayload decodes a merged step payload. Health answers are
// accepted both under "health" and at the top level; when both are given
// they are combined so neither is lost.
func ProfileFromPayload(payload map[string]any) (Profile, error) {
	var p Profile
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	var flat HealthProfile
	if err := json.Unmarshal(raw, &flat); err != nil {
		return p, fmt.Errorf("decode health answers: %w", err)
	}
	p.Health.merge(flat)
	return p, nil
}

func (h *HealthProfile) merge(o HealthProfile) {
	dst := []*string{&h.Medications, &h.Conditions, &h.Symptoms, &h.Allergies, &h.FoodsToAvoid, &h.PreviousDiets, &h.Budget}
	src := []string{o.Medications, o.Conditions, o.Symptoms, o.Allergies, o.FoodsToAvoid, o.PreviousDiets, o.Budget}
	for i, d := range dst {
		s := strings.TrimSpace(src[i])
		switch {
		case s == "":
		case strings.TrimSpace(*d) == "":
			*d = s
		case !strings.EqualFold(strings.TrimSpace(*d), s):
			*d += ", " + s
		}
	}
}
