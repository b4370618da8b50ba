package billing

import (
	"strings"

	"github.com/Jalez/ui-designer-sub003/internal/pkg/entitlements"
)

func normalizePlan(plan string) string {
	return string(entitlements.Normalize(plan))
}

func planRank(plan string) int {
	switch entitlements.Normalize(plan) {
	case entitlements.PlanPro:
		return 2
	case entitlements.PlanStarter:
		return 1
	default:
		return 0
	}
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case "month", "year":
		return i
	default:
		return "unknown"
	}
}

func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}
