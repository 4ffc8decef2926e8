// Package pricing rolls per-part estimates up into build-job and calculation
// totals and compares them with the manually quoted baseline.
package pricing

import (
	"github.com/shopspring/decimal"
)

// ItemResult is one line item of a job or calculation. Nil pointers mean the
// value is unknown (no model, no manual quote).
type ItemResult struct {
	ID              int64
	SourceID        int64 // inquiry the part was quoted in; 0 when unknown
	Quantity        int
	UnitPrice       *float64 // estimated EUR per part
	Time            *float64 // estimated build hours
	ManualUnitPrice *float64 // quoted EUR per part
	ManualTime      *float64 // quoted build hours of the source inquiry
	UnitSurface     float64  // projected XY surface of one part, cm²
}

// Line is the priced form of one ItemResult.
type Line struct {
	ID              int64    `json:"id"`
	LinePrice       *float64 `json:"line_price_eur"`
	ManualLinePrice float64  `json:"manual_line_price_eur"`
	ReductionAbs    *float64 `json:"price_reduction_eur"`
	ReductionPct    *float64 `json:"price_reduction_percent"`
	Surface         float64  `json:"surface_cm2"`
}

// Summary is the roll-up of a set of items.
type Summary struct {
	Lines            []Line   `json:"lines"`
	TotalPrice       float64  `json:"total_price_eur"`
	TotalManualPrice float64  `json:"total_manual_price_eur"`
	SavingsAbs       *float64 `json:"total_savings_eur"`
	SavingsPct       *float64 `json:"total_savings_percent"`
	CombinedTime     float64  `json:"combined_build_time_h"`
	OriginalTime     float64  `json:"original_build_time_h"`
	UsedSurface      float64  `json:"used_surface_cm2"`
}

// Aggregate prices every item and rolls them up. Parts of one job are built
// together, so the combined time is the longest single time, not the sum. The
// manual baseline time counts each source inquiry once.
func Aggregate(items []ItemResult) Summary {
	s := Summary{Lines: make([]Line, 0, len(items))}

	total := decimal.Zero
	manual := decimal.Zero
	surface := decimal.Zero
	anyPrice := false
	var combined float64
	baseline := map[int64]float64{}

	for _, it := range items {
		qty := decimal.NewFromInt(int64(it.Quantity))
		line := Line{ID: it.ID}

		manualLine := decimal.Zero
		if it.ManualUnitPrice != nil {
			manualLine = decimal.NewFromFloat(*it.ManualUnitPrice).Mul(qty)
		}
		line.ManualLinePrice = money(manualLine)
		manual = manual.Add(manualLine)

		if it.UnitPrice != nil {
			priced := decimal.NewFromFloat(*it.UnitPrice).Mul(qty)
			line.LinePrice = ptr(money(priced))
			total = total.Add(priced)
			anyPrice = true
			if it.ManualUnitPrice != nil {
				line.ReductionAbs, line.ReductionPct = savings(manualLine, priced)
			}
		}

		unitSurface := decimal.NewFromFloat(it.UnitSurface).Mul(qty)
		line.Surface = unitSurface.Round(4).InexactFloat64()
		surface = surface.Add(unitSurface)

		if it.Time != nil && *it.Time > combined {
			combined = *it.Time
		}
		if it.ManualTime != nil {
			if cur, ok := baseline[it.SourceID]; !ok || *it.ManualTime > cur {
				baseline[it.SourceID] = *it.ManualTime
			}
		}

		s.Lines = append(s.Lines, line)
	}

	orig := decimal.Zero
	for _, h := range baseline {
		orig = orig.Add(decimal.NewFromFloat(h))
	}

	s.TotalPrice = money(total)
	s.TotalManualPrice = money(manual)
	if anyPrice {
		s.SavingsAbs, s.SavingsPct = savings(manual, total)
	}
	s.CombinedTime = combined
	s.OriginalTime = orig.Round(4).InexactFloat64()
	s.UsedSurface = surface.Round(4).InexactFloat64()
	return s
}

// JobTotals is the aggregate stored on a build job: the longest estimated time
// and the sum of estimated line prices.
func JobTotals(items []ItemResult) (hours, price float64) {
	s := Aggregate(items)
	return s.CombinedTime, s.TotalPrice
}

// FillPercent is used relative to platform in percent, one decimal.
func FillPercent(used, platform float64) float64 {
	if platform <= 0 {
		return 0
	}
	return decimal.NewFromFloat(used).Div(decimal.NewFromFloat(platform)).Mul(decimal.NewFromInt(100)).Round(1).InexactFloat64()
}

// savings compares an estimate with the baseline. The percentage is nil when
// there is no baseline to compare against.
func savings(baseline, estimate decimal.Decimal) (*float64, *float64) {
	diff := baseline.Sub(estimate)
	abs := ptr(money(diff))
	if baseline.IsZero() {
		return abs, nil
	}
	pct := diff.Div(baseline).Mul(decimal.NewFromInt(100)).Round(1).InexactFloat64()
	return abs, &pct
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func ptr(v float64) *float64 {
	return &v
}
