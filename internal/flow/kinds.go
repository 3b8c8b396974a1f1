package flow

import (
	"time"

	"PulseFlow/internal/models"
)

const day = 24 * time.Hour

var builtin = map[models.FlowKind][]models.StepDefinition{
	models.KindOnboarding: {
		{Template: "welcome"},
		{Template: "onboarding-getting-started", Delay: day},
		{Template: "onboarding-tips", Delay: 3 * day},
	},
	models.KindPasswordRecovery: {
		{Template: "password-reset"},
	},
	models.KindMarketingCampaign: {
		{Template: "marketing-announcement"},
		{Template: "marketing-reminder", Delay: day},
		{Template: "marketing-last-chance", Delay: 3 * day},
	},
}

// DefaultSteps returns a copy of the built-in steps for kind.
func DefaultSteps(kind models.FlowKind) []models.StepDefinition {
	steps := builtin[kind]
	out := make([]models.StepDefinition, len(steps))
	copy(out, steps)
	return out
}
