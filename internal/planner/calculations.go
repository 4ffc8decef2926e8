package planner

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/features"
	"github.com/Simplici0/lpbf-planner/internal/pricing"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

// CalculationInput creates a what-if calculation for one machine and one
// material group.
type CalculationInput struct {
	Name          string `json:"calc_name"`
	Machine       string `json:"machine"`
	MaterialGroup string `json:"material_group"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
}

// AddPartsInput selects parts by id or, when PartIDs is empty, every part of
// an inquiry.
type AddPartsInput struct {
	PartIDs   []int64 `json:"part_ids,omitempty"`
	InquiryID int64   `json:"inquiry_id,omitempty"`
}

// AddPartsResult reports which parts were added and which were skipped
// because their material belongs to another group.
type AddPartsResult struct {
	Added   int      `json:"added"`
	Skipped []string `json:"skipped"`
}

// CalcPartUpdate changes one calculation part. A null override value clears
// that override.
type CalcPartUpdate struct {
	MaterialOverride *string             `json:"material_override,omitempty"`
	Overrides        map[string]*float64 `json:"overrides,omitempty"`
}

// CalcLine is one part of a calculation with its effective inputs.
type CalcLine struct {
	store.CalcPart
	PartName  string             `json:"part_name"`
	InquiryID int64              `json:"inquiry_id"`
	Material  string             `json:"material"`
	Quantity  int                `json:"quantity"`
	Features  map[string]float64 `json:"features"`
	Pricing   pricing.Line       `json:"pricing"`
}

// CalculationView is a calculation with per-line pricing and totals.
type CalculationView struct {
	ID              int64           `json:"id"`
	Number          string          `json:"calc_number"`
	Name            string          `json:"calc_name"`
	Machine         string          `json:"machine"`
	MaterialGroup   string          `json:"material_group"`
	PlatformSurface float64         `json:"platform_surface_cm2"`
	Status          string          `json:"status"`
	StartDate       string          `json:"start_date,omitempty"`
	EndDate         string          `json:"end_date,omitempty"`
	Lines           []CalcLine      `json:"parts"`
	Summary         pricing.Summary `json:"summary"`
	PlatformPercent float64         `json:"platform_percent"`
}

// CreateCalculation validates and stores a calculation header.
func (s *Service) CreateCalculation(ctx context.Context, in CalculationInput) (*CalculationView, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("calc_name is required")
	}
	m, err := s.catalog.Machine(in.Machine)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.MaterialGroup) == "" {
		return nil, apperr.Validation("material_group is required")
	}
	group, err := s.machineGroup(in.Machine, in.MaterialGroup)
	if err != nil {
		return nil, err
	}

	c := &store.Calculation{
		Number:          calcNumber(s.now()),
		Name:            strings.TrimSpace(in.Name),
		Machine:         in.Machine,
		MaterialGroup:   group,
		PlatformSurface: m.PlatformSurfaceCM2,
		StartDate:       in.StartDate,
		EndDate:         in.EndDate,
	}
	if err := s.store.CreateCalculation(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("calculation created", "calc_id", c.ID, "calc_number", c.Number)
	return s.GetCalculation(ctx, c.ID)
}

func calcNumber(now time.Time) string {
	return "CALC-" + now.Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// AddCalculationParts estimates and adds parts. Parts already in the
// calculation are left alone; parts of another material group are skipped and
// reported by name.
func (s *Service) AddCalculationParts(ctx context.Context, calcID int64, in AddPartsInput) (*AddPartsResult, error) {
	calc, err := s.store.GetCalculation(ctx, calcID)
	if err != nil {
		return nil, err
	}

	var parts []store.Part
	switch {
	case len(in.PartIDs) > 0:
		parts, err = s.store.PartsByIDs(ctx, in.PartIDs)
		if err == nil && len(parts) != len(uniqueIDs(in.PartIDs)) {
			return nil, apperr.Validation("unknown part ids in %v", in.PartIDs)
		}
	case in.InquiryID != 0:
		if _, err = s.store.GetInquiry(ctx, in.InquiryID); err == nil {
			parts, err = s.store.PartsByInquiry(ctx, in.InquiryID)
		}
	default:
		return nil, apperr.Validation("part_ids or inquiry_id is required")
	}
	if err != nil {
		return nil, err
	}

	res := &AddPartsResult{Skipped: []string{}}
	var added []store.CalcPart
	for _, p := range parts {
		if s.resolver.Group(p.Material) != calc.MaterialGroup {
			res.Skipped = append(res.Skipped, p.Name)
			continue
		}
		pred, err := s.estimate(ctx, calc.Machine, p.Material, p.Attributes, nil)
		if err != nil {
			return nil, err
		}
		added = append(added, store.CalcPart{
			CalcID:      calcID,
			PartID:      p.ID,
			Overrides:   features.Override{},
			Price:       pred.Price,
			Time:        pred.Time,
			ModelStatus: pred.Status,
		})
	}

	err = s.store.InTx(ctx, func(tx *store.Store) error {
		for i := range added {
			ok, err := tx.AddCalcPart(ctx, &added[i])
			if err != nil {
				return err
			}
			if ok {
				res.Added++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("calculation parts added", "calc_id", calcID, "added", res.Added, "skipped", len(res.Skipped))
	return res, nil
}

func uniqueIDs(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// UpdateCalculationPart applies overrides to one calculation part and
// re-estimates it. The stored part is never changed.
func (s *Service) UpdateCalculationPart(ctx context.Context, calcID, cpID int64, upd CalcPartUpdate) (*CalcLine, error) {
	calc, err := s.store.GetCalculation(ctx, calcID)
	if err != nil {
		return nil, err
	}
	cp, err := s.store.GetCalcPart(ctx, calcID, cpID)
	if err != nil {
		return nil, err
	}
	part, err := s.store.GetPart(ctx, cp.PartID)
	if err != nil {
		return nil, err
	}

	next, err := features.ParseOverride(upd.Overrides)
	if err != nil {
		return nil, err
	}
	merged := cp.Overrides.Merge(next)
	for k, v := range upd.Overrides {
		if v == nil {
			delete(merged, features.Name(k))
		}
	}
	if q, ok := merged[features.Quantity]; ok {
		if q < 1 {
			return nil, apperr.Validation("quantity must be at least 1")
		}
		if q != math.Trunc(q) {
			return nil, apperr.Validation("quantity must be a whole number, got %v", q)
		}
	}

	if upd.MaterialOverride != nil {
		mo := strings.TrimSpace(*upd.MaterialOverride)
		if mo != "" {
			if err := s.catalog.Validate(s.resolver, calc.Machine, mo); err != nil {
				return nil, err
			}
			if s.resolver.Group(mo) != calc.MaterialGroup {
				return nil, apperr.Validation("material %q is outside group %s", mo, calc.MaterialGroup)
			}
			mo = s.resolver.Canonical(mo)
		}
		cp.MaterialOverride = mo
	}

	material := part.Material
	if cp.MaterialOverride != "" {
		material = cp.MaterialOverride
	}
	pred, err := s.estimate(ctx, calc.Machine, material, part.Attributes, merged)
	if err != nil {
		return nil, err
	}

	cp.Overrides = merged
	cp.Price, cp.Time, cp.ModelStatus = pred.Price, pred.Time, pred.Status
	if err := s.store.UpdateCalcPart(ctx, cp); err != nil {
		return nil, err
	}
	s.log.Info("calculation part updated", "calc_id", calcID, "calc_part_id", cpID, "model_status", pred.Status)

	line := s.calcLine(*cp, part)
	line.Pricing = pricing.Aggregate([]pricing.ItemResult{lineItem(line, part)}).Lines[0]
	return &line, nil
}

// GetCalculation loads a calculation and prices it.
func (s *Service) GetCalculation(ctx context.Context, id int64) (*CalculationView, error) {
	calc, err := s.store.GetCalculation(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(calc.Parts))
	for _, cp := range calc.Parts {
		ids = append(ids, cp.PartID)
	}
	parts, err := s.store.PartsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*store.Part, len(parts))
	for i := range parts {
		byID[parts[i].ID] = &parts[i]
	}

	v := &CalculationView{
		ID:              calc.ID,
		Number:          calc.Number,
		Name:            calc.Name,
		Machine:         calc.Machine,
		MaterialGroup:   calc.MaterialGroup,
		PlatformSurface: calc.PlatformSurface,
		Status:          calc.Status,
		StartDate:       calc.StartDate,
		EndDate:         calc.EndDate,
		Lines:           make([]CalcLine, 0, len(calc.Parts)),
	}
	items := make([]pricing.ItemResult, 0, len(calc.Parts))
	for _, cp := range calc.Parts {
		part, ok := byID[cp.PartID]
		if !ok {
			continue
		}
		line := s.calcLine(cp, part)
		v.Lines = append(v.Lines, line)
		items = append(items, lineItem(line, part))
	}

	v.Summary = pricing.Aggregate(items)
	for i := range v.Lines {
		v.Lines[i].Pricing = v.Summary.Lines[i]
	}
	v.PlatformPercent = pricing.FillPercent(v.Summary.UsedSurface, calc.PlatformSurface)
	return v, nil
}

func (s *Service) calcLine(cp store.CalcPart, part *store.Part) CalcLine {
	vec := features.Assemble(part.Attributes, cp.Overrides)
	material := part.Material
	if cp.MaterialOverride != "" {
		material = cp.MaterialOverride
	}
	return CalcLine{
		CalcPart:  cp,
		PartName:  part.Name,
		InquiryID: part.InquiryID,
		Material:  material,
		Quantity:  int(math.Round(vec.Get(features.Quantity))),
		Features:  vec.Map(),
	}
}

func lineItem(line CalcLine, part *store.Part) pricing.ItemResult {
	it := pricing.ItemResult{
		ID:              line.ID,
		SourceID:        part.InquiryID,
		Quantity:        line.Quantity,
		UnitPrice:       line.Price,
		Time:            line.Time,
		ManualUnitPrice: part.ManualPrice,
		ManualTime:      part.ManualTime,
	}
	if part.ProjectedSurface != nil {
		it.UnitSurface = *part.ProjectedSurface
	}
	return it
}
