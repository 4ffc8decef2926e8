package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/features"
)

// Part statuses.
const (
	PartPending  = "pending"
	PartCombined = "combined"
)

// Inquiry is a customer request for one or more parts on one machine.
type Inquiry struct {
	ID                    int64     `json:"id"`
	InquiryNumber         string    `json:"inquiry_number"`
	CustomerNumber        string    `json:"customer_number"`
	Machine               string    `json:"machine"`
	RequestedDeliveryDate string    `json:"requested_delivery_date,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	Parts                 []Part    `json:"parts"`
}

// Part is one line of an inquiry. Nil pointers are unknown values.
type Part struct {
	ID               int64               `json:"id"`
	InquiryID        int64               `json:"inquiry_id"`
	Name             string              `json:"part_name"`
	Material         string              `json:"material"`
	Quantity         int                 `json:"quantity"`
	Attributes       features.Attributes `json:"attributes"`
	ProjectedSurface *float64            `json:"projected_xy_surface_cm2"`
	ManualPrice      *float64            `json:"manual_part_price_eur"`
	ManualTime       *float64            `json:"manual_build_time_h"`
	EstimatedPrice   *float64            `json:"estimated_part_price_eur"`
	EstimatedTime    *float64            `json:"estimated_build_time_h"`
	Status           string              `json:"status"`

	// Machine of the owning inquiry; filled by joins.
	Machine string `json:"machine,omitempty"`
}

const partColumns = `
	p.id, p.inquiry_id, p.part_name, p.material, p.quantity,
	p.part_volume_cm3, p.stock_cm3, p.support_volume_cm3, p.part_height_mm,
	p.prep_time_min, p.post_handling_time_min, p.blasting_time_min,
	p.leak_testing_time_min, p.qc_time_min,
	p.projected_xy_surface_cm2, p.manual_part_price_eur, p.manual_build_time_h,
	p.estimated_part_price_eur, p.estimated_build_time_h, p.status, i.machine`

type scanner interface {
	Scan(dest ...any) error
}

func scanPart(row scanner) (Part, error) {
	var p Part
	attrs := make([]sql.NullFloat64, len(featureColumns))
	var surface, manualPrice, manualTime, estPrice, estTime sql.NullFloat64

	dest := []any{&p.ID, &p.InquiryID, &p.Name, &p.Material, &p.Quantity}
	for i := range attrs {
		dest = append(dest, &attrs[i])
	}
	dest = append(dest, &surface, &manualPrice, &manualTime, &estPrice, &estTime, &p.Status, &p.Machine)
	if err := row.Scan(dest...); err != nil {
		return Part{}, err
	}

	p.Attributes = features.Attributes{features.Quantity: float64(p.Quantity)}
	for i, name := range featureColumns {
		if attrs[i].Valid {
			p.Attributes[name] = attrs[i].Float64
		}
	}
	p.ProjectedSurface = floatPtr(surface)
	p.ManualPrice = floatPtr(manualPrice)
	p.ManualTime = floatPtr(manualTime)
	p.EstimatedPrice = floatPtr(estPrice)
	p.EstimatedTime = floatPtr(estTime)
	return p, nil
}

func (s *Store) queryParts(ctx context.Context, where string, args ...any) ([]Part, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+partColumns+`
		FROM parts p
		JOIN inquiries i ON i.id = p.inquiry_id
		`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}
	return parts, nil
}

// CreateInquiry inserts an inquiry and its parts, setting their ids.
func (s *Store) CreateInquiry(ctx context.Context, inq *Inquiry) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO inquiries (inquiry_number, customer_number, machine, requested_delivery_date)
		VALUES (?, ?, ?, ?)
	`, inq.InquiryNumber, inq.CustomerNumber, inq.Machine, nullString(inq.RequestedDeliveryDate))
	if err != nil {
		return fmt.Errorf("insert inquiry: %w", err)
	}
	if inq.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("inquiry id: %w", err)
	}

	for i := range inq.Parts {
		p := &inq.Parts[i]
		p.InquiryID = inq.ID
		if p.Status == "" {
			p.Status = PartPending
		}
		args := []any{p.InquiryID, p.Name, p.Material, p.Quantity}
		for _, name := range featureColumns {
			if v, ok := p.Attributes[name]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, nullFloat(p.ProjectedSurface), nullFloat(p.ManualPrice), nullFloat(p.ManualTime),
			nullFloat(p.EstimatedPrice), nullFloat(p.EstimatedTime), p.Status)

		res, err := s.q.ExecContext(ctx, `
			INSERT INTO parts (
				inquiry_id, part_name, material, quantity,
				part_volume_cm3, stock_cm3, support_volume_cm3, part_height_mm,
				prep_time_min, post_handling_time_min, blasting_time_min,
				leak_testing_time_min, qc_time_min,
				projected_xy_surface_cm2, manual_part_price_eur, manual_build_time_h,
				estimated_part_price_eur, estimated_build_time_h, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...)
		if err != nil {
			return fmt.Errorf("insert part %q: %w", p.Name, err)
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("part id: %w", err)
		}
		p.Machine = inq.Machine
	}
	return nil
}

// GetInquiry loads an inquiry with its parts.
func (s *Store) GetInquiry(ctx context.Context, id int64) (*Inquiry, error) {
	var inq Inquiry
	var delivery sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT id, inquiry_number, customer_number, machine, requested_delivery_date, created_at
		FROM inquiries
		WHERE id = ?
	`, id).Scan(&inq.ID, &inq.InquiryNumber, &inq.CustomerNumber, &inq.Machine, &delivery, &inq.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("inquiry", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query inquiry: %w", err)
	}
	inq.RequestedDeliveryDate = delivery.String

	inq.Parts, err = s.queryParts(ctx, `WHERE p.inquiry_id = ? ORDER BY p.id`, id)
	if err != nil {
		return nil, err
	}
	return &inq, nil
}

// GetPart loads one part.
func (s *Store) GetPart(ctx context.Context, id int64) (*Part, error) {
	parts, err := s.queryParts(ctx, `WHERE p.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, apperr.NotFound("part", id)
	}
	return &parts[0], nil
}

// PartsByIDs loads the given parts in id order; unknown ids are skipped.
func (s *Store) PartsByIDs(ctx context.Context, ids []int64) ([]Part, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryParts(ctx, `WHERE p.id IN (`+marks+`) ORDER BY p.id`, args...)
}

// PartsByInquiry loads every part of an inquiry.
func (s *Store) PartsByInquiry(ctx context.Context, inquiryID int64) ([]Part, error) {
	return s.queryParts(ctx, `WHERE p.inquiry_id = ? ORDER BY p.id`, inquiryID)
}

// PendingWithSurface lists parts waiting for a build job that have a known
// projected surface, in id order.
func (s *Store) PendingWithSurface(ctx context.Context) ([]Part, error) {
	return s.queryParts(ctx, `
		WHERE p.status = ? AND p.projected_xy_surface_cm2 IS NOT NULL
		ORDER BY p.id`, PartPending)
}

// TrainingParts lists parts with both manual targets, joined with their
// inquiry machine.
func (s *Store) TrainingParts(ctx context.Context) ([]Part, error) {
	return s.queryParts(ctx, `
		WHERE p.manual_part_price_eur IS NOT NULL AND p.manual_build_time_h IS NOT NULL
		ORDER BY p.id`)
}

// SetPartEstimate stores the latest model estimate of a part.
func (s *Store) SetPartEstimate(ctx context.Context, id int64, price, hours *float64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE parts
		SET estimated_part_price_eur = ?, estimated_build_time_h = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullFloat(price), nullFloat(hours), id)
	if err != nil {
		return fmt.Errorf("update part estimate: %w", err)
	}
	return nil
}
