// Package planner implements the quoting and build-job planning operations on
// top of the catalog, the estimator, the nesting scheduler and the store.
package planner

import (
	"context"
	"log/slog"
	"time"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/catalog"
	"github.com/Simplici0/lpbf-planner/internal/estimator"
	"github.com/Simplici0/lpbf-planner/internal/features"
	"github.com/Simplici0/lpbf-planner/internal/logging"
	"github.com/Simplici0/lpbf-planner/internal/metrics"
	"github.com/Simplici0/lpbf-planner/internal/nesting"
	"github.com/Simplici0/lpbf-planner/internal/segment"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

// MaxDecisionLogLimit caps one page of the decision log.
const MaxDecisionLogLimit = 200

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Locker           nesting.Locker
	Metrics          *metrics.Metrics
	DecisionLogLimit int
	Now              func() time.Time
}

// Service exposes every planning operation. It is safe for concurrent use.
type Service struct {
	store     *store.Store
	catalog   *catalog.Catalog
	resolver  *segment.Resolver
	estimator *estimator.Estimator
	locker    nesting.Locker
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
	logLimit  int
}

// New wires a Service.
func New(st *store.Store, cat *catalog.Catalog, est *estimator.Estimator, opts Options) *Service {
	s := &Service{
		store:     st,
		catalog:   cat,
		resolver:  cat.Resolver(),
		estimator: est,
		locker:    opts.Locker,
		metrics:   opts.Metrics,
		log:       logging.Component("planner"),
		now:       opts.Now,
		logLimit:  opts.DecisionLogLimit,
	}
	if s.locker == nil {
		s.locker = nesting.NewLocalLocker()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logLimit <= 0 || s.logLimit > MaxDecisionLogLimit {
		s.logLimit = MaxDecisionLogLimit
	}
	return s
}

// Catalog returns the machine catalog in use.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// EstimateRequest asks for a price and time estimate of one part.
type EstimateRequest struct {
	Machine   string              `json:"machine"`
	Material  string              `json:"material"`
	Features  map[string]float64  `json:"features"`
	Overrides map[string]*float64 `json:"overrides,omitempty"`
}

// Estimate predicts price and build time. Unknown machines, disallowed
// materials and unknown override keys are validation errors; an untrained
// segment is reported in the prediction status.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (estimator.Prediction, error) {
	if err := s.catalog.Validate(s.resolver, req.Machine, req.Material); err != nil {
		return estimator.Prediction{}, err
	}
	ov, err := features.ParseOverride(req.Overrides)
	if err != nil {
		return estimator.Prediction{}, err
	}
	return s.estimate(ctx, req.Machine, req.Material, features.AttributesFromMap(req.Features), ov)
}

func (s *Service) estimate(ctx context.Context, machine, material string, base features.Attributes, ov features.Override) (estimator.Prediction, error) {
	key := s.resolver.Resolve(machine, material)
	return s.estimator.Predict(ctx, key, features.Assemble(base, ov))
}

// Train retrains one segment (segmentKey like "EOS_IN718_IN625") or, when
// segmentKey is empty, every catalog segment and every segment that has data.
func (s *Service) Train(ctx context.Context, segmentKey string) ([]estimator.TrainingReport, error) {
	parts, err := s.store.TrainingParts(ctx)
	if err != nil {
		return nil, err
	}

	sets := make(map[segment.Key][]estimator.Sample)
	for _, k := range s.catalog.Segments(s.resolver) {
		sets[k] = nil
	}
	for _, p := range parts {
		k := s.resolver.Resolve(p.Machine, p.Material)
		sets[k] = append(sets[k], estimator.Sample{
			Features: features.Assemble(p.Attributes, nil),
			Price:    *p.ManualPrice,
			Time:     *p.ManualTime,
		})
	}

	if segmentKey != "" {
		var only *segment.Key
		for k := range sets {
			if k.String() == segmentKey {
				only = &k
				break
			}
		}
		if only == nil {
			return nil, apperr.Validation("unknown segment %q", segmentKey)
		}
		sets = map[segment.Key][]estimator.Sample{*only: sets[*only]}
	}

	s.log.Info("training started", "segments", len(sets), "samples", len(parts))
	return s.estimator.TrainAll(ctx, sets)
}

// ModelStatus lists every catalog segment with its training state.
func (s *Service) ModelStatus(ctx context.Context) ([]estimator.SegmentStatus, error) {
	return s.estimator.Status(ctx, s.catalog.Segments(s.resolver))
}

// DecisionLog returns nesting decisions most recent first. jobID 0 means all
// jobs; limit is capped at the configured page size.
func (s *Service) DecisionLog(ctx context.Context, jobID int64, limit int) ([]store.DecisionRecord, error) {
	if limit <= 0 || limit > s.logLimit {
		limit = s.logLimit
	}
	return s.store.DecisionLog(ctx, jobID, limit)
}
