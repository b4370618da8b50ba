package entitlements

import "strings"

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
)

// MonthlyCredits returns the credit grant applied on each paid renewal.
func MonthlyCredits(plan Plan) int64 {
	switch plan {
	case PlanPro:
		return 1000
	case PlanStarter:
		return 200
	default:
		return 0
	}
}

// AllowedAIServices returns which AI-backed editor services a plan may invoke
func AllowedAIServices(plan Plan) (hint, review, generate bool) {
	switch plan {
	case PlanPro:
		return true, true, true
	case PlanStarter:
		return true, true, false
	default:
		return true, false, false
	}
}

// Normalize maps arbitrary plan strings onto a known plan, defaulting to free.
func Normalize(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanStarter):
		return PlanStarter
	case string(PlanPro):
		return PlanPro
	default:
		return PlanFree
	}
}
