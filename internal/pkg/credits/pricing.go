package credits

import (
	"math"
	"strings"
)

// Scaling rules a priced service may define.
const (
	ScaleNone    = "none"
	ScalePerPage = "per_page"
	ScalePerMB   = "per_mb"
)

// ServicePrice is the credit cost of one invocation of a paid service.
// Base applies once; services with a scale rule multiply Base by the
// relevant size parameter.
type ServicePrice struct {
	Base  int64
	Scale string
}

// SizeParams carries the optional size dimensions of a consumption request.
type SizeParams struct {
	Pages  int
	SizeMB float64
}

// PricingTable maps service names to credit costs. Unknown services fall back
// to the configured default cost.
type PricingTable struct {
	prices      map[string]ServicePrice
	defaultCost int64
}

// NewPricingTable builds a table from explicit prices and a default cost for
// unknown service names.
func NewPricingTable(prices map[string]ServicePrice, defaultCost int64) *PricingTable {
	if prices == nil {
		prices = map[string]ServicePrice{}
	}
	if defaultCost < 1 {
		defaultCost = 1
	}
	return &PricingTable{prices: prices, defaultCost: defaultCost}
}

// DefaultPricingTable prices the AI-backed editor services.
func DefaultPricingTable() *PricingTable {
	return NewPricingTable(map[string]ServicePrice{
		"ai_hint":            {Base: 1},
		"ai_solution_review": {Base: 3},
		"ai_layout_generate": {Base: 5},
		"export_pdf":         {Base: 1, Scale: ScalePerPage},
		"asset_upscale":      {Base: 2, Scale: ScalePerMB},
	}, 1)
}

// Cost computes the credit cost for one invocation of the named service,
// scaled by the size parameters when the service defines a scaling rule.
// The result is always at least 1.
func (t *PricingTable) Cost(serviceName string, p SizeParams) int64 {
	price, ok := t.prices[strings.ToLower(strings.TrimSpace(serviceName))]
	if !ok {
		return t.defaultCost
	}

	cost := price.Base
	switch price.Scale {
	case ScalePerPage:
		if p.Pages > 1 {
			cost = price.Base * int64(p.Pages)
		}
	case ScalePerMB:
		// Partial megabytes bill as a full one.
		if mb := int64(math.Ceil(p.SizeMB)); mb > 1 {
			cost = price.Base * mb
		}
	}

	if cost < 1 {
		cost = 1
	}
	return cost
}

// Known reports whether the service has an explicit price entry.
func (t *PricingTable) Known(serviceName string) bool {
	_, ok := t.prices[strings.ToLower(strings.TrimSpace(serviceName))]
	return ok
}
