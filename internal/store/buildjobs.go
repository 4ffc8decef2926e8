package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/nesting"
)

// BuildJob is one platform load on one machine.
type BuildJob struct {
	ID               int64          `json:"id"`
	Name             string         `json:"job_name"`
	Machine          string         `json:"machine"`
	MaterialGroup    string         `json:"material_group,omitempty"`
	Status           nesting.Status `json:"status"`
	PlatformSurface  float64        `json:"platform_surface_cm2"`
	UsedSurface      float64        `json:"used_surface_cm2"`
	AvailableSurface float64        `json:"available_surface_cm2"`
	TotalPrice       float64        `json:"total_price_eur"`
	TotalBuildTime   float64        `json:"total_build_time_h"`
	PlannedStartDate string         `json:"planned_start_date,omitempty"`
	PlannedEndDate   string         `json:"planned_end_date,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DecisionRecord is a persisted nesting decision.
type DecisionRecord struct {
	ID int64 `json:"id"`
	nesting.Decision
}

// CreateBuildJob inserts a job with its whole platform available.
func (s *Store) CreateBuildJob(ctx context.Context, job *BuildJob) error {
	if job.Status == "" {
		job.Status = nesting.StatusOpen
	}
	job.UsedSurface = 0
	job.AvailableSurface = job.PlatformSurface

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO build_jobs (
			job_name, machine, material_group, status,
			platform_surface_cm2, used_surface_cm2, available_surface_cm2,
			planned_start_date, planned_end_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.Name, job.Machine, job.MaterialGroup, string(job.Status),
		job.PlatformSurface, job.UsedSurface, job.AvailableSurface,
		nullString(job.PlannedStartDate), nullString(job.PlannedEndDate))
	if err != nil {
		return fmt.Errorf("insert build job: %w", err)
	}
	if job.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("build job id: %w", err)
	}
	return nil
}

// GetBuildJob loads one job.
func (s *Store) GetBuildJob(ctx context.Context, id int64) (*BuildJob, error) {
	var job BuildJob
	var status string
	var start, end sql.NullString
	err := s.q.QueryRowContext(ctx, `
		SELECT
			id, job_name, machine, material_group, status,
			platform_surface_cm2, used_surface_cm2, available_surface_cm2,
			total_price_eur, total_build_time_h,
			planned_start_date, planned_end_date, created_at, updated_at
		FROM build_jobs
		WHERE id = ?
	`, id).Scan(
		&job.ID, &job.Name, &job.Machine, &job.MaterialGroup, &status,
		&job.PlatformSurface, &job.UsedSurface, &job.AvailableSurface,
		&job.TotalPrice, &job.TotalBuildTime,
		&start, &end, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("build job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query build job: %w", err)
	}
	job.Status = nesting.Status(status)
	job.PlannedStartDate = start.String
	job.PlannedEndDate = end.String
	return &job, nil
}

// UpdateBuildJobStatus sets the lifecycle status of a job.
func (s *Store) UpdateBuildJobStatus(ctx context.Context, id int64, status nesting.Status) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE build_jobs
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("update build job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update build job status: %w", err)
	}
	if affected == 0 {
		return apperr.NotFound("build job", id)
	}
	return nil
}

// UpdateLedger persists the surface left after a scheduling run.
func (s *Store) UpdateLedger(ctx context.Context, id int64, used, available float64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE build_jobs
		SET used_surface_cm2 = ?, available_surface_cm2 = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, used, available, id)
	if err != nil {
		return fmt.Errorf("update build job ledger: %w", err)
	}
	return nil
}

// UpdateTotals persists the recomputed job aggregates.
func (s *Store) UpdateTotals(ctx context.Context, id int64, hours, price float64) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE build_jobs
		SET total_build_time_h = ?, total_price_eur = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, hours, price, id)
	if err != nil {
		return fmt.Errorf("update build job totals: %w", err)
	}
	return nil
}

// BoundPartIDs returns the parts already assigned to a job.
func (s *Store) BoundPartIDs(ctx context.Context, jobID int64) (map[int64]bool, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT part_id FROM build_job_parts WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query bound parts: %w", err)
	}
	defer rows.Close()

	bound := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bound part: %w", err)
		}
		bound[id] = true
	}
	return bound, rows.Err()
}

// BindPart assigns a part to a job and marks it combined.
func (s *Store) BindPart(ctx context.Context, jobID, partID int64) error {
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO build_job_parts (job_id, part_id) VALUES (?, ?)
	`, jobID, partID); err != nil {
		return fmt.Errorf("bind part %d: %w", partID, err)
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE parts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, PartCombined, partID); err != nil {
		return fmt.Errorf("mark part %d combined: %w", partID, err)
	}
	return nil
}

// JobParts lists every part ever bound to a job.
func (s *Store) JobParts(ctx context.Context, jobID int64) ([]Part, error) {
	return s.queryParts(ctx, `
		JOIN build_job_parts b ON b.part_id = p.id
		WHERE b.job_id = ?
		ORDER BY b.id`, jobID)
}

// AppendDecisions writes decisions to the append-only log.
func (s *Store) AppendDecisions(ctx context.Context, decisions []nesting.Decision) error {
	for _, d := range decisions {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO nesting_log (
				job_id, part_id, decision,
				surface_before_cm2, surface_required_cm2, surface_after_cm2, decided_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, d.BatchID, d.ItemID, string(d.Kind), d.SurfaceBefore, d.SurfaceDelta, d.SurfaceAfter, d.DecidedAt.UTC()); err != nil {
			return fmt.Errorf("append nesting decision: %w", err)
		}
	}
	return nil
}

// DecisionLog returns decisions most recent first, optionally for one job.
func (s *Store) DecisionLog(ctx context.Context, jobID int64, limit int) ([]DecisionRecord, error) {
	query := `
		SELECT l.id, l.job_id, l.part_id, p.part_name, l.decision,
			l.surface_before_cm2, l.surface_required_cm2, l.surface_after_cm2, l.decided_at
		FROM nesting_log l
		JOIN parts p ON p.id = l.part_id`
	args := []any{}
	if jobID > 0 {
		query += ` WHERE l.job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY l.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nesting log: %w", err)
	}
	defer rows.Close()

	out := []DecisionRecord{}
	for rows.Next() {
		var r DecisionRecord
		var kind string
		if err := rows.Scan(&r.ID, &r.BatchID, &r.ItemID, &r.ItemName, &kind,
			&r.SurfaceBefore, &r.SurfaceDelta, &r.SurfaceAfter, &r.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan nesting decision: %w", err)
		}
		r.Kind = nesting.DecisionKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nesting log: %w", err)
	}
	return out, nil
}
