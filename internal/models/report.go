// internal/models/report.go
package models

import "time"

type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportGenerating ReportStatus = "generating"
	ReportReady      ReportStatus = "ready"
	ReportFailed     ReportStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s ReportStatus) Terminal() bool {
	return s == ReportReady || s == ReportFailed
}

// Stage is a 1-based index into ReportStages; 0 means not started.
type Stage int

const (
	StageNone Stage = iota
	StageCalculatingMacros
	StageBuildingFoodGuide
	StageDraftingReport
	StageFinalizing
)

var ReportStages = []string{
	"calculating_macros",
	"building_food_guide",
	"drafting_report",
	"finalizing",
}

func (s Stage) Name() string {
	if s <= StageNone || int(s) > len(ReportStages) {
		return "queued"
	}
	return ReportStages[s-1]
}

type Report struct {
	ID             string       `json:"id"`
	AccessToken    string       `json:"access_token"`
	SessionToken   string       `json:"session_token"`
	ConfirmationID string       `json:"confirmation_id"`
	Status         ReportStatus `json:"status"`
	Stage          Stage        `json:"stage"`
	Content        string       `json:"-"`
	FailureCode    string       `json:"failure_code,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}
