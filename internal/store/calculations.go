package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/features"
)

// Calculation is a what-if combination of parts on one machine.
type Calculation struct {
	ID              int64      `json:"id"`
	Number          string     `json:"calc_number"`
	Name            string     `json:"calc_name"`
	Machine         string     `json:"machine"`
	MaterialGroup   string     `json:"material_group"`
	PlatformSurface float64    `json:"platform_surface_cm2"`
	Status          string     `json:"status"`
	StartDate       string     `json:"start_date,omitempty"`
	EndDate         string     `json:"end_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Parts           []CalcPart `json:"parts"`
}

// CalcPart is a part inside a calculation with its calculation-scoped overrides.
type CalcPart struct {
	ID               int64             `json:"id"`
	CalcID           int64             `json:"calc_id"`
	PartID           int64             `json:"part_id"`
	MaterialOverride string            `json:"material_override,omitempty"`
	Overrides        features.Override `json:"overrides"`
	Price            *float64          `json:"calc_part_price_eur"`
	Time             *float64          `json:"calc_build_time_h"`
	ModelStatus      string            `json:"model_status,omitempty"`
}

// CreateCalculation inserts a calculation header.
func (s *Store) CreateCalculation(ctx context.Context, c *Calculation) error {
	if c.Status == "" {
		c.Status = "draft"
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO calculations (
			calc_number, calc_name, machine, material_group, platform_surface_cm2,
			status, start_date, end_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Number, c.Name, c.Machine, c.MaterialGroup, c.PlatformSurface,
		c.Status, nullString(c.StartDate), nullString(c.EndDate))
	if err != nil {
		return fmt.Errorf("insert calculation: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("calculation id: %w", err)
	}
	return nil
}

// GetCalculation loads a calculation with its parts.
func (s *Store) GetCalculation(ctx context.Context, id int64) (*Calculation, error) {
	var c Calculation
	var start, end sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, calc_number, calc_name, machine, material_group, platform_surface_cm2,
			status, start_date, end_date, created_at
		FROM calculations
		WHERE id = ?
	`, id).Scan(&c.ID, &c.Number, &c.Name, &c.Machine, &c.MaterialGroup, &c.PlatformSurface,
		&c.Status, &start, &end, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("calculation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query calculation: %w", err)
	}
	c.StartDate = start.String
	c.EndDate = end.String

	rows, err := s.q.QueryContext(ctx, calcPartSelect+` WHERE calc_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query calc parts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		cp, err := scanCalcPart(rows)
		if err != nil {
			return nil, err
		}
		c.Parts = append(c.Parts, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calc parts: %w", err)
	}
	return &c, nil
}

const calcPartSelect = `
	SELECT id, calc_id, part_id, material_override, overrides_json,
		calc_part_price_eur, calc_build_time_h, model_status
	FROM calc_parts`

func scanCalcPart(row scanner) (CalcPart, error) {
	var cp CalcPart
	var raw string
	var price, hours sql.NullFloat64
	if err := row.Scan(&cp.ID, &cp.CalcID, &cp.PartID, &cp.MaterialOverride, &raw, &price, &hours, &cp.ModelStatus); err != nil {
		return CalcPart{}, fmt.Errorf("scan calc part: %w", err)
	}
	cp.Overrides = features.Override{}
	if err := json.Unmarshal([]byte(raw), &cp.Overrides); err != nil {
		return CalcPart{}, fmt.Errorf("decode overrides of calc part %d: %w", cp.ID, err)
	}
	cp.Price = floatPtr(price)
	cp.Time = floatPtr(hours)
	return cp, nil
}

// GetCalcPart loads one part of a calculation.
func (s *Store) GetCalcPart(ctx context.Context, calcID, cpID int64) (*CalcPart, error) {
	cp, err := scanCalcPart(s.q.QueryRowContext(ctx, calcPartSelect+` WHERE id = ? AND calc_id = ?`, cpID, calcID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("calculation part", cpID)
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// AddCalcPart inserts a calc part unless the part is already in the
// calculation. It reports whether a row was added.
func (s *Store) AddCalcPart(ctx context.Context, cp *CalcPart) (bool, error) {
	raw, err := encodeOverrides(cp.Overrides)
	if err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO calc_parts (
			calc_id, part_id, material_override, overrides_json,
			calc_part_price_eur, calc_build_time_h, model_status
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (calc_id, part_id) DO NOTHING
	`, cp.CalcID, cp.PartID, cp.MaterialOverride, raw, nullFloat(cp.Price), nullFloat(cp.Time), cp.ModelStatus)
	if err != nil {
		return false, fmt.Errorf("insert calc part: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert calc part: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if cp.ID, err = res.LastInsertId(); err != nil {
		return false, fmt.Errorf("calc part id: %w", err)
	}
	return true, nil
}

// UpdateCalcPart stores new overrides and the resulting estimate.
func (s *Store) UpdateCalcPart(ctx context.Context, cp *CalcPart) error {
	raw, err := encodeOverrides(cp.Overrides)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE calc_parts
		SET material_override = ?, overrides_json = ?,
			calc_part_price_eur = ?, calc_build_time_h = ?, model_status = ?
		WHERE id = ? AND calc_id = ?
	`, cp.MaterialOverride, raw, nullFloat(cp.Price), nullFloat(cp.Time), cp.ModelStatus, cp.ID, cp.CalcID)
	if err != nil {
		return fmt.Errorf("update calc part: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update calc part: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("calculation part", cp.ID)
	}
	return nil
}

func encodeOverrides(ov features.Override) (string, error) {
	if ov == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(ov)
	if err != nil {
		return "", fmt.Errorf("encode overrides: %w", err)
	}
	return string(raw), nil
}
