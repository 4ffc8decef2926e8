// Package estimator trains and serves the per-segment price and build-time
// models. Models are published as immutable pairs: a reader either sees the
// previous pair or the new one, never a mix or a partially written artifact.
// The store's manifest is the source of truth, so a pair published by another
// process replaces the cached one on the next prediction.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Simplici0/lpbf-planner/internal/features"
	"github.com/Simplici0/lpbf-planner/internal/logging"
	"github.com/Simplici0/lpbf-planner/internal/metrics"
	"github.com/Simplici0/lpbf-planner/internal/modelstore"
	"github.com/Simplici0/lpbf-planner/internal/regression"
	"github.com/Simplici0/lpbf-planner/internal/segment"
)

const (
	// MinTrainSamples is the smallest segment that gets a model.
	MinTrainSamples = 5
	// EnsembleThreshold switches from least squares to boosted trees (inclusive).
	EnsembleThreshold = 30
	// HoldoutMinSamples is the smallest segment evaluated on a held-out split.
	HoldoutMinSamples = 10
	// HoldoutFraction of the samples is held out for the error estimate.
	HoldoutFraction = 0.2
)

// Prediction statuses.
const (
	StatusOK         = "ok"
	StatusNotTrained = "not_trained"
)

// Report reasons.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonStoreError       = "store_error"
	ReasonFitError         = "fit_error"
)

// Error estimate kinds.
const (
	ErrorHoldout  = "holdout"
	ErrorInSample = "in_sample"
)

// Sample is one historical part with its manually quoted targets.
type Sample struct {
	Features features.Vector
	Price    float64 // EUR per part
	Time     float64 // hours
}

// TrainingReport describes the outcome for one segment.
type TrainingReport struct {
	RunID         string            `json:"run_id"`
	Key           string            `json:"key"`
	Success       bool              `json:"success"`
	Reason        string            `json:"reason,omitempty"`
	Message       string            `json:"message"`
	Samples       int               `json:"samples"`
	Family        regression.Family `json:"family,omitempty"`
	PriceMAE      float64           `json:"price_mae_eur"`
	TimeMAE       float64           `json:"time_mae_h"`
	ErrorEstimate string            `json:"error_estimate,omitempty"`
	Optimistic    bool              `json:"optimistic"`
}

// Prediction is the estimate for one feature vector.
type Prediction struct {
	Price    *float64 `json:"price"`
	Time     *float64 `json:"time"`
	ModelKey string   `json:"model_key"`
	Status   string   `json:"status"`
}

// SegmentStatus reports whether a segment has a published model pair.
type SegmentStatus struct {
	Key     string `json:"key"`
	Trained bool   `json:"trained"`
}

type pair struct {
	runID string
	price *modelstore.Artifact
	time  *modelstore.Artifact
}

// Estimator owns the model cache. It is safe for concurrent use.
type Estimator struct {
	store   modelstore.Store
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[segment.Key]*pair
}

// New creates an estimator on top of store. m may be nil.
func New(store modelstore.Store, m *metrics.Metrics) *Estimator {
	return &Estimator{
		store:   store,
		metrics: m,
		log:     logging.Component("estimator"),
		now:     func() time.Time { return time.Now().UTC() },
		cache:   make(map[segment.Key]*pair),
	}
}

// Train fits and persists the price and time models of one segment.
// Failures are reported in the returned report, never as an error.
func (e *Estimator) Train(ctx context.Context, key segment.Key, samples []Sample) TrainingReport {
	start := time.Now()
	rep := TrainingReport{RunID: uuid.NewString(), Key: key.String(), Samples: len(samples)}

	if len(samples) < MinTrainSamples {
		rep.Reason = ReasonInsufficientData
		rep.Message = fmt.Sprintf("too few samples (%d), at least %d required", len(samples), MinTrainSamples)
		e.metrics.RecordTraining(rep.Key, ReasonInsufficientData, "", 0)
		e.log.Info("segment skipped", "segment", rep.Key, "samples", len(samples))
		return rep
	}

	X := make([][]float64, len(samples))
	yPrice := make([]float64, len(samples))
	yTime := make([]float64, len(samples))
	for i, s := range samples {
		X[i] = s.Features.Row()
		yPrice[i] = s.Price
		yTime[i] = s.Time
	}

	rep.Family = FamilyFor(len(samples))
	rep.ErrorEstimate = ErrorInSample
	rep.Optimistic = true
	if len(samples) >= HoldoutMinSamples {
		rep.ErrorEstimate = ErrorHoldout
		rep.Optimistic = false
	}

	priceModel, priceMAE, err := fitTarget(rep.Family, X, yPrice)
	if err != nil {
		return e.failed(rep, ReasonFitError, fmt.Errorf("fit price: %w", err))
	}
	timeModel, timeMAE, err := fitTarget(rep.Family, X, yTime)
	if err != nil {
		return e.failed(rep, ReasonFitError, fmt.Errorf("fit time: %w", err))
	}
	rep.PriceMAE = round(priceMAE, 2)
	rep.TimeMAE = round(timeMAE, 4)

	trainedAt := e.now()
	next := &pair{
		runID: rep.RunID,
		price: &modelstore.Artifact{Segment: rep.Key, Target: modelstore.TargetPrice, Samples: len(samples), MAE: priceMAE, TrainedAt: trainedAt, RunID: rep.RunID, Model: priceModel},
		time:  &modelstore.Artifact{Segment: rep.Key, Target: modelstore.TargetTime, Samples: len(samples), MAE: timeMAE, TrainedAt: trainedAt, RunID: rep.RunID, Model: timeModel},
	}
	prev, err := e.store.Current(ctx, key)
	if err != nil && !errors.Is(err, modelstore.ErrNotFound) {
		return e.failed(rep, ReasonStoreError, err)
	}
	if err := e.publish(ctx, key, next); err != nil {
		e.discard(key, rep.RunID)
		return e.failed(rep, ReasonStoreError, err)
	}
	if prev != nil && prev.RunID != rep.RunID {
		e.discard(key, prev.RunID)
	}

	rep.Success = true
	rep.Message = fmt.Sprintf("model %s trained on %d samples", rep.Key, len(samples))
	e.metrics.RecordTraining(rep.Key, "trained", string(rep.Family), time.Since(start).Seconds())
	e.metrics.RecordMAE(rep.Key, string(modelstore.TargetPrice), priceMAE)
	e.metrics.RecordMAE(rep.Key, string(modelstore.TargetTime), timeMAE)
	e.log.Info("segment trained",
		"segment", rep.Key,
		"samples", len(samples),
		"family", rep.Family,
		"price_mae", rep.PriceMAE,
		"time_mae", rep.TimeMAE,
		"error_estimate", rep.ErrorEstimate,
	)
	return rep
}

// publish saves both artifacts and then points the manifest at them. The
// cache is updated last, so it never holds a pair the store does not serve.
func (e *Estimator) publish(ctx context.Context, key segment.Key, p *pair) error {
	if err := e.store.Save(ctx, key, p.price); err != nil {
		return err
	}
	if err := e.store.Save(ctx, key, p.time); err != nil {
		return err
	}
	m := &modelstore.Manifest{Segment: key.String(), RunID: p.runID, TrainedAt: p.price.TrainedAt}
	if err := e.store.Publish(ctx, key, m); err != nil {
		return err
	}

	e.mu.Lock()
	e.cache[key] = p
	e.mu.Unlock()
	return nil
}

// discard removes the artifacts of a run that is not, or no longer, live.
// It runs on its own context so a cancelled training still cleans up.
func (e *Estimator) discard(key segment.Key, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Remove(ctx, key, runID); err != nil {
		e.log.Warn("remove stale model run", "segment", key.String(), "run_id", runID, "error", err)
	}
}

func (e *Estimator) failed(rep TrainingReport, reason string, err error) TrainingReport {
	rep.Reason = reason
	rep.Message = err.Error()
	e.metrics.RecordTraining(rep.Key, "failed", "", 0)
	e.log.Error("segment training failed", "segment", rep.Key, "error", err)
	return rep
}

// TrainAll trains every segment in sets in key order. It stops between
// segments when ctx is cancelled; reports of finished segments are returned
// together with the context error.
func (e *Estimator) TrainAll(ctx context.Context, sets map[segment.Key][]Sample) ([]TrainingReport, error) {
	keys := make([]segment.Key, 0, len(sets))
	for k := range sets {
		keys = append(keys, k)
	}
	segment.Sort(keys)

	reports := make([]TrainingReport, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, e.Train(ctx, k, sets[k]))
	}
	return reports, nil
}

// Predict estimates price and time for one vector. An untrained segment is a
// status, not an error; err is only set for store failures.
func (e *Estimator) Predict(ctx context.Context, key segment.Key, v features.Vector) (Prediction, error) {
	out := Prediction{ModelKey: key.String(), Status: StatusNotTrained}

	p, err := e.lookup(ctx, key)
	if err != nil {
		return out, err
	}
	if p == nil {
		e.metrics.RecordPrediction(StatusNotTrained)
		return out, nil
	}

	row := v.Row()
	price := round(math.Max(0, p.price.Model.Predict(row)), 2)
	hours := round(math.Max(0, p.time.Model.Predict(row)), 4)
	out.Price = &price
	out.Time = &hours
	out.Status = StatusOK
	e.metrics.RecordPrediction(StatusOK)
	return out, nil
}

// lookupAttempts bounds reloads when a run is replaced while it is read.
const lookupAttempts = 5

// lookup returns the pair the store's manifest names, from the cache when the
// cached run is still the published one. A segment without a manifest yields
// nil.
func (e *Estimator) lookup(ctx context.Context, key segment.Key) (*pair, error) {
	for attempt := 1; ; attempt++ {
		m, err := e.store.Current(ctx, key)
		if errors.Is(err, modelstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read model manifest %s: %w", key, err)
		}

		e.mu.RLock()
		cached := e.cache[key]
		e.mu.RUnlock()
		if cached != nil && cached.runID == m.RunID {
			return cached, nil
		}

		loaded, err := e.load(ctx, key, m.RunID)
		if errors.Is(err, modelstore.ErrNotFound) && attempt < lookupAttempts {
			// The run was superseded and removed between the two reads.
			continue
		}
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[key] = loaded
		e.mu.Unlock()
		e.log.Debug("model loaded", "segment", key.String(), "run_id", m.RunID)
		return loaded, nil
	}
}

func (e *Estimator) load(ctx context.Context, key segment.Key, runID string) (*pair, error) {
	price, err := e.store.Load(ctx, key, runID, modelstore.TargetPrice)
	if err != nil {
		return nil, fmt.Errorf("load price model %s: %w", key, err)
	}
	hours, err := e.store.Load(ctx, key, runID, modelstore.TargetTime)
	if err != nil {
		return nil, fmt.Errorf("load time model %s: %w", key, err)
	}
	return &pair{runID: runID, price: price, time: hours}, nil
}

// Status reports per key whether a trained pair is published, without
// loading it.
func (e *Estimator) Status(ctx context.Context, keys []segment.Key) ([]SegmentStatus, error) {
	out := make([]SegmentStatus, 0, len(keys))
	for _, k := range keys {
		ok, err := e.store.Exists(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentStatus{Key: k.String(), Trained: ok})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// FamilyFor picks the model family for a segment of n samples.
func FamilyFor(n int) regression.Family {
	if n >= EnsembleThreshold {
		return regression.FamilyEnsemble
	}
	return regression.FamilyLinear
}

// fitTarget fits one target and estimates its error. With enough samples the
// model is fitted on the training split and scored on the held-out rows;
// otherwise it is fitted and scored on everything.
func fitTarget(family regression.Family, X [][]float64, y []float64) (*regression.Model, float64, error) {
	if len(X) < HoldoutMinSamples {
		m, err := regression.Fit(family, X, y)
		if err != nil {
			return nil, 0, err
		}
		return m, regression.MeanAbsoluteError(y, m.PredictAll(X)), nil
	}

	trainIdx, testIdx := regression.TrainTestSplit(len(X), HoldoutFraction, regression.Seed)
	xTr, yTr := regression.Subset(X, y, trainIdx)
	xTe, yTe := regression.Subset(X, y, testIdx)
	m, err := regression.Fit(family, xTr, yTr)
	if err != nil {
		return nil, 0, err
	}
	return m, regression.MeanAbsoluteError(yTe, m.PredictAll(xTe)), nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
