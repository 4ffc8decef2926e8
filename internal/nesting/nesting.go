// Package nesting packs pending parts onto a build platform. Parts are scalar
// areas: a part fits when its required surface does not exceed what is left on
// the platform. Every admission and rejection is recorded as a Decision.
package nesting

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a build job.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPlanned Status = "planned"
	StatusClosed  Status = "closed"
)

// Schedulable reports whether parts may still be added to a job in s.
func (s Status) Schedulable() bool {
	return s == StatusOpen || s == StatusPlanned
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusPlanned || s == StatusClosed
}

// DecisionKind is the outcome of evaluating one candidate.
type DecisionKind string

const (
	Admitted         DecisionKind = "admitted"
	RejectedCapacity DecisionKind = "rejected_capacity"
)

// Ledger tracks the free surface of one platform during a run.
// Available never goes below zero and never increases.
type Ledger struct {
	PlatformSurface float64
	Available       float64
}

// NewLedger starts a ledger. A job that has never been scheduled has its whole
// platform available; callers pass the persisted remainder otherwise.
func NewLedger(platform, available float64) *Ledger {
	if available < 0 {
		available = 0
	}
	if available > platform {
		available = platform
	}
	return &Ledger{PlatformSurface: platform, Available: available}
}

// Admit reserves required surface if it fits.
func (l *Ledger) Admit(required float64) bool {
	if required < 0 || required > l.Available {
		return false
	}
	l.Available -= required
	if l.Available < 0 {
		l.Available = 0
	}
	return true
}

// Used is the reserved share of the platform.
func (l *Ledger) Used() float64 {
	return l.PlatformSurface - l.Available
}

// FillPercent is Used relative to the platform, rounded to one decimal.
func (l *Ledger) FillPercent() float64 {
	if l.PlatformSurface <= 0 {
		return 0
	}
	return float64(int64(l.Used()/l.PlatformSurface*1000+0.5)) / 10
}

// Candidate is a part waiting to be placed.
type Candidate struct {
	ItemID      int64
	Name        string
	UnitSurface float64 // projected XY surface of one part, cm²
	Quantity    int
}

// Required is the surface the whole line item occupies.
func (c Candidate) Required() float64 {
	return c.UnitSurface * float64(c.Quantity)
}

// Decision is one immutable log entry.
type Decision struct {
	BatchID       int64        `json:"batch_id"`
	ItemID        int64        `json:"item_id"`
	ItemName      string       `json:"item_name,omitempty"`
	Kind          DecisionKind `json:"decision"`
	SurfaceBefore float64      `json:"surface_before_cm2"`
	SurfaceDelta  float64      `json:"surface_required_cm2"`
	SurfaceAfter  float64      `json:"surface_after_cm2"`
	DecidedAt     time.Time    `json:"decided_at"`
}

// Outcome summarises one scheduling run.
type Outcome struct {
	Admitted  []Candidate
	Rejected  []Candidate
	Decisions []Decision
	Remaining float64
}

// Scheduler runs strict single-pass first-fit-descending.
type Scheduler struct {
	Now func() time.Time
}

// Run evaluates candidates against ledger, mutating it. Candidates already in
// bound are skipped. Larger requirements are tried first; equal requirements
// keep their input order. A rejected candidate does not stop the pass.
func (s Scheduler) Run(batchID int64, ledger *Ledger, candidates []Candidate, bound map[int64]bool) Outcome {
	now := s.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	pending := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !bound[c.ItemID] {
			pending = append(pending, c)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Required() > pending[j].Required() })

	out := Outcome{}
	for _, c := range pending {
		required := c.Required()
		before := ledger.Available
		d := Decision{
			BatchID:       batchID,
			ItemID:        c.ItemID,
			ItemName:      c.Name,
			SurfaceBefore: before,
			SurfaceDelta:  required,
			DecidedAt:     now(),
		}
		if ledger.Admit(required) {
			d.Kind = Admitted
			out.Admitted = append(out.Admitted, c)
		} else {
			d.Kind = RejectedCapacity
			out.Rejected = append(out.Rejected, c)
		}
		d.SurfaceAfter = ledger.Available
		out.Decisions = append(out.Decisions, d)
	}
	out.Remaining = ledger.Available
	return out
}
