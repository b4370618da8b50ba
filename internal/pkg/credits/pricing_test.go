package credits

import "testing"

func TestPricingTableCost(t *testing.T) {
	table := DefaultPricingTable()

	tests := []struct {
		name    string
		service string
		size    SizeParams
		want    int64
	}{
		{name: "hint", service: "ai_hint", want: 1},
		{name: "review", service: "ai_solution_review", want: 3},
		{name: "generate", service: "ai_layout_generate", want: 5},
		{name: "unknown service falls back to default", service: "something_new", want: 1},
		{name: "pdf single page", service: "export_pdf", size: SizeParams{Pages: 1}, want: 1},
		{name: "pdf scales per page", service: "export_pdf", size: SizeParams{Pages: 7}, want: 7},
		{name: "pdf without page count bills base", service: "export_pdf", want: 1},
		{name: "upscale scales per mb", service: "asset_upscale", size: SizeParams{SizeMB: 3}, want: 6},
		{name: "upscale rounds partial mb up", service: "asset_upscale", size: SizeParams{SizeMB: 2.1}, want: 6},
		{name: "upscale tiny file bills base", service: "asset_upscale", size: SizeParams{SizeMB: 0.2}, want: 2},
		{name: "case and whitespace insensitive", service: "  AI_HINT ", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.Cost(tt.service, tt.size); got != tt.want {
				t.Fatalf("Cost(%q, %+v) = %d, want %d", tt.service, tt.size, got, tt.want)
			}
		})
	}
}

func TestPricingTableCostNeverBelowOne(t *testing.T) {
	table := NewPricingTable(map[string]ServicePrice{
		"weird": {Base: 0},
	}, 1)
	if got := table.Cost("weird", SizeParams{}); got != 1 {
		t.Fatalf("expected minimum cost of 1, got %d", got)
	}
}

func TestPricingTableKnown(t *testing.T) {
	table := DefaultPricingTable()
	if !table.Known("ai_hint") {
		t.Fatalf("expected ai_hint to be a known service")
	}
	if table.Known("not_a_service") {
		t.Fatalf("expected not_a_service to be unknown")
	}
}
