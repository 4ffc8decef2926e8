package planner

import (
	"context"
	"errors"
	"strings"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/estimator"
	"github.com/Simplici0/lpbf-planner/internal/features"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

// InquiryInput is a new customer inquiry.
type InquiryInput struct {
	InquiryNumber         string      `json:"inquiry_number"`
	CustomerNumber        string      `json:"customer_number"`
	Machine               string      `json:"machine"`
	RequestedDeliveryDate string      `json:"requested_delivery_date,omitempty"`
	Parts                 []PartInput `json:"parts"`
}

// PartInput is one part of a new inquiry.
type PartInput struct {
	Name             string             `json:"part_name"`
	Material         string             `json:"material"`
	Quantity         int                `json:"quantity"`
	Features         map[string]float64 `json:"features"`
	ProjectedSurface *float64           `json:"projected_xy_surface_cm2,omitempty"`
	ManualPrice      *float64           `json:"manual_part_price_eur,omitempty"`
	ManualTime       *float64           `json:"manual_build_time_h,omitempty"`
	EstimatedPrice   *float64           `json:"estimated_part_price_eur,omitempty"`
	EstimatedTime    *float64           `json:"estimated_build_time_h,omitempty"`
}

// CreateInquiry validates and stores an inquiry. Parts without a given
// estimate are estimated with the current model when one is trained.
func (s *Service) CreateInquiry(ctx context.Context, in InquiryInput) (*store.Inquiry, error) {
	if strings.TrimSpace(in.InquiryNumber) == "" || strings.TrimSpace(in.CustomerNumber) == "" {
		return nil, apperr.Validation("inquiry_number and customer_number are required")
	}
	if _, err := s.catalog.Machine(in.Machine); err != nil {
		return nil, err
	}
	if len(in.Parts) == 0 {
		return nil, apperr.Validation("inquiry needs at least one part")
	}

	inq := &store.Inquiry{
		InquiryNumber:         strings.TrimSpace(in.InquiryNumber),
		CustomerNumber:        strings.TrimSpace(in.CustomerNumber),
		Machine:               in.Machine,
		RequestedDeliveryDate: in.RequestedDeliveryDate,
	}
	for i, p := range in.Parts {
		part, err := s.newPart(ctx, in.Machine, p)
		if errors.Is(err, apperr.ErrValidation) {
			msg := strings.TrimPrefix(err.Error(), apperr.ErrValidation.Error()+": ")
			return nil, apperr.Validation("part %d: %s", i+1, msg)
		}
		if err != nil {
			return nil, err
		}
		inq.Parts = append(inq.Parts, part)
	}

	if err := s.store.InTx(ctx, func(tx *store.Store) error {
		return tx.CreateInquiry(ctx, inq)
	}); err != nil {
		return nil, err
	}
	s.log.Info("inquiry created", "inquiry_id", inq.ID, "parts", len(inq.Parts))
	return s.store.GetInquiry(ctx, inq.ID)
}

func (s *Service) newPart(ctx context.Context, machine string, in PartInput) (store.Part, error) {
	if strings.TrimSpace(in.Name) == "" {
		return store.Part{}, apperr.Validation("part_name is required")
	}
	if in.Quantity < 1 {
		return store.Part{}, apperr.Validation("quantity must be at least 1")
	}
	if in.ProjectedSurface != nil && *in.ProjectedSurface <= 0 {
		return store.Part{}, apperr.Validation("projected_xy_surface_cm2 must be positive")
	}
	if err := s.catalog.Validate(s.resolver, machine, in.Material); err != nil {
		return store.Part{}, err
	}

	attrs := features.AttributesFromMap(in.Features)
	attrs[features.Quantity] = float64(in.Quantity)

	part := store.Part{
		Name:             strings.TrimSpace(in.Name),
		Material:         s.resolver.Canonical(in.Material),
		Quantity:         in.Quantity,
		Attributes:       attrs,
		ProjectedSurface: in.ProjectedSurface,
		ManualPrice:      in.ManualPrice,
		ManualTime:       in.ManualTime,
		EstimatedPrice:   in.EstimatedPrice,
		EstimatedTime:    in.EstimatedTime,
	}
	if part.EstimatedPrice == nil && part.EstimatedTime == nil {
		pred, err := s.estimate(ctx, machine, part.Material, attrs, nil)
		if err != nil {
			return store.Part{}, err
		}
		if pred.Status == estimator.StatusOK {
			part.EstimatedPrice, part.EstimatedTime = pred.Price, pred.Time
		}
	}
	return part, nil
}

// GetInquiry loads an inquiry with its parts.
func (s *Service) GetInquiry(ctx context.Context, id int64) (*store.Inquiry, error) {
	return s.store.GetInquiry(ctx, id)
}
