package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/estimator"
	"github.com/Simplici0/lpbf-planner/internal/logging"
	"github.com/Simplici0/lpbf-planner/internal/nesting"
	"github.com/Simplici0/lpbf-planner/internal/pricing"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

// BuildJobInput creates a build job. PlatformSurface defaults to the machine's
// platform; MaterialGroup may be given as any material spelling of the group.
type BuildJobInput struct {
	Name             string   `json:"job_name"`
	Machine          string   `json:"machine"`
	MaterialGroup    string   `json:"material_group,omitempty"`
	PlatformSurface  *float64 `json:"platform_surface_cm2,omitempty"`
	PlannedStartDate string   `json:"planned_start_date,omitempty"`
	PlannedEndDate   string   `json:"planned_end_date,omitempty"`
}

// BuildJobView is a job with its bound parts.
type BuildJobView struct {
	*store.BuildJob
	FillPercent float64      `json:"fill_percent"`
	Parts       []store.Part `json:"parts"`
}

// ScheduleResult reports one scheduling run.
type ScheduleResult struct {
	JobID             int64              `json:"job_id"`
	AdmittedCount     int                `json:"admitted_count"`
	RejectedCount     int                `json:"rejected_count"`
	RemainingCapacity float64            `json:"remaining_capacity_cm2"`
	FillPercent       float64            `json:"fill_percent"`
	TotalBuildTime    float64            `json:"total_build_time_h"`
	TotalPrice        float64            `json:"total_price_eur"`
	Decisions         []nesting.Decision `json:"decisions"`
}

// CreateBuildJob validates and stores a new open job.
func (s *Service) CreateBuildJob(ctx context.Context, in BuildJobInput) (*store.BuildJob, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("job_name is required")
	}
	m, err := s.catalog.Machine(in.Machine)
	if err != nil {
		return nil, err
	}

	surface := m.PlatformSurfaceCM2
	if in.PlatformSurface != nil {
		if *in.PlatformSurface <= 0 {
			return nil, apperr.Validation("platform_surface_cm2 must be positive")
		}
		surface = *in.PlatformSurface
	}

	group := ""
	if strings.TrimSpace(in.MaterialGroup) != "" {
		if group, err = s.machineGroup(in.Machine, in.MaterialGroup); err != nil {
			return nil, err
		}
	}

	job := &store.BuildJob{
		Name:             strings.TrimSpace(in.Name),
		Machine:          in.Machine,
		MaterialGroup:    group,
		PlatformSurface:  surface,
		PlannedStartDate: in.PlannedStartDate,
		PlannedEndDate:   in.PlannedEndDate,
	}
	if err := s.store.CreateBuildJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("build job created", "batch_id", job.ID, "machine", job.Machine, "surface_cm2", surface)
	return s.store.GetBuildJob(ctx, job.ID)
}

// machineGroup resolves material to its group and checks that the machine
// allows at least one material of that group.
func (s *Service) machineGroup(machine, material string) (string, error) {
	m, err := s.catalog.Machine(machine)
	if err != nil {
		return "", err
	}
	group := s.resolver.Group(material)
	for _, allowed := range m.Materials {
		if s.resolver.Group(allowed) == group {
			return group, nil
		}
	}
	return "", apperr.Validation("material group %q not available for %s", material, machine)
}

// GetBuildJob loads a job with its bound parts.
func (s *Service) GetBuildJob(ctx context.Context, id int64) (*BuildJobView, error) {
	job, err := s.store.GetBuildJob(ctx, id)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.JobParts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BuildJobView{
		BuildJob:    job,
		FillPercent: pricing.FillPercent(job.UsedSurface, job.PlatformSurface),
		Parts:       parts,
	}, nil
}

// UpdateBuildJobStatus moves a job through open, planned and closed. A closed
// job stays closed.
func (s *Service) UpdateBuildJobStatus(ctx context.Context, id int64, status string) (*store.BuildJob, error) {
	next := nesting.Status(strings.ToLower(strings.TrimSpace(status)))
	if !next.Valid() {
		return nil, apperr.Validation("unknown status %q, allowed: open, planned, closed", status)
	}

	err := s.store.InTx(ctx, func(tx *store.Store) error {
		job, err := tx.GetBuildJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status == nesting.StatusClosed && next != nesting.StatusClosed {
			return apperr.InvalidState("build job %d is closed", id)
		}
		return tx.UpdateBuildJobStatus(ctx, id, next)
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetBuildJob(ctx, id)
}

// RunBatchScheduling packs every pending part with a surface that was quoted
// for the job's machine onto the job.
// Runs on one job are serialized through the locker; everything the run
// changes is committed in one transaction.
func (s *Service) RunBatchScheduling(ctx context.Context, jobID int64) (*ScheduleResult, error) {
	unlock, err := s.locker.Lock(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("lock build job %d: %w", jobID, err)
	}
	defer unlock()

	log := logging.BatchLogger(jobID)
	start := time.Now()

	var (
		res     *ScheduleResult
		machine string
	)
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		job, err := tx.GetBuildJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.Schedulable() {
			return apperr.InvalidState("build job %d is %s", jobID, job.Status)
		}
		machine = job.Machine

		pending, err := tx.PendingWithSurface(ctx)
		if err != nil {
			return err
		}
		bound, err := tx.BoundPartIDs(ctx, jobID)
		if err != nil {
			return err
		}

		byID := make(map[int64]store.Part, len(pending))
		candidates := make([]nesting.Candidate, 0, len(pending))
		for _, p := range pending {
			if p.Machine != job.Machine {
				continue
			}
			if job.MaterialGroup != "" && s.resolver.Group(p.Material) != job.MaterialGroup {
				continue
			}
			byID[p.ID] = p
			candidates = append(candidates, nesting.Candidate{
				ItemID:      p.ID,
				Name:        p.Name,
				UnitSurface: *p.ProjectedSurface,
				Quantity:    p.Quantity,
			})
		}

		ledger := nesting.NewLedger(job.PlatformSurface, job.AvailableSurface)
		out := nesting.Scheduler{Now: s.now}.Run(jobID, ledger, candidates, bound)

		for _, c := range out.Admitted {
			if err := tx.BindPart(ctx, jobID, c.ItemID); err != nil {
				return err
			}
			if err := s.fillEstimate(ctx, tx, byID[c.ItemID]); err != nil {
				return err
			}
		}
		if err := tx.AppendDecisions(ctx, out.Decisions); err != nil {
			return err
		}
		if err := tx.UpdateLedger(ctx, jobID, ledger.Used(), ledger.Available); err != nil {
			return err
		}

		parts, err := tx.JobParts(ctx, jobID)
		if err != nil {
			return err
		}
		hours, price := pricing.JobTotals(jobItems(parts))
		if err := tx.UpdateTotals(ctx, jobID, hours, price); err != nil {
			return err
		}

		res = &ScheduleResult{
			JobID:             jobID,
			AdmittedCount:     len(out.Admitted),
			RejectedCount:     len(out.Rejected),
			RemainingCapacity: ledger.Available,
			FillPercent:       ledger.FillPercent(),
			TotalBuildTime:    hours,
			TotalPrice:        price,
			Decisions:         out.Decisions,
		}
		if res.Decisions == nil {
			res.Decisions = []nesting.Decision{}
		}
		return nil
	})
	if err != nil {
		log.Warn("scheduling failed", "error", err)
		return nil, err
	}

	s.metrics.RecordScheduling(machine, res.AdmittedCount, res.RejectedCount, res.FillPercent, time.Since(start).Seconds())
	log.Info("scheduling finished",
		"admitted", res.AdmittedCount,
		"rejected", res.RejectedCount,
		"remaining_cm2", res.RemainingCapacity,
		"fill_percent", res.FillPercent,
	)
	return res, nil
}

// fillEstimate estimates an admitted part that was created without one, so the
// job totals cover it once its segment is trained. The part's own machine
// picks the model.
func (s *Service) fillEstimate(ctx context.Context, tx *store.Store, p store.Part) error {
	if p.EstimatedPrice != nil || p.EstimatedTime != nil {
		return nil
	}
	pred, err := s.estimate(ctx, p.Machine, p.Material, p.Attributes, nil)
	if err != nil {
		return err
	}
	if pred.Status != estimator.StatusOK {
		return nil
	}
	return tx.SetPartEstimate(ctx, p.ID, pred.Price, pred.Time)
}

func jobItems(parts []store.Part) []pricing.ItemResult {
	items := make([]pricing.ItemResult, 0, len(parts))
	for _, p := range parts {
		it := pricing.ItemResult{
			ID:              p.ID,
			SourceID:        p.InquiryID,
			Quantity:        p.Quantity,
			UnitPrice:       p.EstimatedPrice,
			Time:            p.EstimatedTime,
			ManualUnitPrice: p.ManualPrice,
			ManualTime:      p.ManualTime,
		}
		if p.ProjectedSurface != nil {
			it.UnitSurface = *p.ProjectedSurface
		}
		items = append(items, it)
	}
	return items
}
