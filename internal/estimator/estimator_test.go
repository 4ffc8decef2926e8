package estimator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/Simplici0/lpbf-planner/internal/catalog"
	"github.com/Simplici0/lpbf-planner/internal/features"
	"github.com/Simplici0/lpbf-planner/internal/modelstore"
	"github.com/Simplici0/lpbf-planner/internal/regression"
	"github.com/Simplici0/lpbf-planner/internal/segment"
)

func newEstimator(t *testing.T) (*Estimator, *modelstore.BlobStore) {
	t.Helper()
	store, err := modelstore.New(memblob.OpenBucket(nil), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

// linearSamples builds n samples with price = 10*volume + 2*qty and
// time = 0.5*height.
func linearSamples(n int) []Sample {
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		vol := float64(i%7 + 1)
		qty := float64(i%3 + 1)
		height := float64(i%5*10 + 5)
		v := features.FromMap(map[string]float64{
			"quantity":        qty,
			"part_volume_cm3": vol,
			"part_height_mm":  height,
		})
		out[i] = Sample{Features: v, Price: 10*vol + 2*qty, Time: 0.5 * height}
	}
	return out
}

var eosNickel = segment.Key{Machine: "EOS", Group: "IN718_IN625"}

func TestTrain_InsufficientData(t *testing.T) {
	ctx := context.Background()
	e, store := newEstimator(t)

	rep := e.Train(ctx, eosNickel, linearSamples(4))
	if rep.Success || rep.Reason != ReasonInsufficientData || rep.Samples != 4 {
		t.Fatalf("report=%+v, want insufficient_data", rep)
	}
	if ok, _ := store.Exists(ctx, eosNickel); ok {
		t.Fatalf("artifact written for insufficient segment")
	}

	pred, err := e.Predict(ctx, eosNickel, features.Vector{})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Status != StatusNotTrained || pred.Price != nil || pred.Time != nil {
		t.Fatalf("prediction=%+v, want not_trained", pred)
	}
}

func TestTrain_FamilyThreshold(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)

	rep := e.Train(ctx, eosNickel, linearSamples(29))
	if !rep.Success || rep.Family != regression.FamilyLinear {
		t.Fatalf("29 samples: report=%+v, want linear", rep)
	}
	rep = e.Train(ctx, eosNickel, linearSamples(30))
	if !rep.Success || rep.Family != regression.FamilyEnsemble {
		t.Fatalf("30 samples: report=%+v, want gradient_boosting", rep)
	}
}

func TestTrain_ErrorEstimateKind(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)

	rep := e.Train(ctx, eosNickel, linearSamples(9))
	if rep.ErrorEstimate != ErrorInSample || !rep.Optimistic {
		t.Fatalf("9 samples: report=%+v, want optimistic in-sample", rep)
	}
	rep = e.Train(ctx, eosNickel, linearSamples(10))
	if rep.ErrorEstimate != ErrorHoldout || rep.Optimistic {
		t.Fatalf("10 samples: report=%+v, want holdout", rep)
	}
	if rep.PriceMAE > 1e-6 {
		t.Fatalf("exact linear data: price MAE=%v, want ~0", rep.PriceMAE)
	}
}

func TestPredict_ClampsNegative(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)

	samples := make([]Sample, 8)
	for i := range samples {
		h := float64(i + 1)
		samples[i] = Sample{
			Features: features.FromMap(map[string]float64{"part_height_mm": h}),
			Price:    100 - 10*h,
			Time:     5 - h,
		}
	}
	if rep := e.Train(ctx, eosNickel, samples); !rep.Success {
		t.Fatalf("train: %+v", rep)
	}

	pred, err := e.Predict(ctx, eosNickel, features.FromMap(map[string]float64{"part_height_mm": 50}))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.Status != StatusOK || *pred.Price != 0 || *pred.Time != 0 {
		t.Fatalf("prediction price=%v time=%v, want 0 and 0", *pred.Price, *pred.Time)
	}

	pred, _ = e.Predict(ctx, eosNickel, features.FromMap(map[string]float64{"part_height_mm": 2}))
	if *pred.Price != 80 || *pred.Time != 3 {
		t.Fatalf("prediction price=%v time=%v, want 80 and 3", *pred.Price, *pred.Time)
	}
}

func TestPredict_AliasesShareArtifact(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)
	r := catalog.Default().Resolver()

	if rep := e.Train(ctx, r.Resolve("EOS", "IN718"), linearSamples(12)); !rep.Success {
		t.Fatalf("train: %+v", rep)
	}

	v := linearSamples(1)[0].Features
	for _, material := range []string{"IN625", "2.4668", " inconel 718 ", "IN718_IN625"} {
		pred, err := e.Predict(ctx, r.Resolve("EOS", material), v)
		if err != nil {
			t.Fatalf("predict %q: %v", material, err)
		}
		if pred.Status != StatusOK || pred.ModelKey != "EOS_IN718_IN625" {
			t.Fatalf("material %q: prediction=%+v", material, pred)
		}
	}
}

func TestPredict_LoadsFromStoreInFreshEstimator(t *testing.T) {
	ctx := context.Background()
	e, store := newEstimator(t)
	if rep := e.Train(ctx, eosNickel, linearSamples(15)); !rep.Success {
		t.Fatalf("train: %+v", rep)
	}

	fresh := New(store, nil)
	v := linearSamples(1)[0].Features
	a, _ := e.Predict(ctx, eosNickel, v)
	b, err := fresh.Predict(ctx, eosNickel, v)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if *a.Price != *b.Price || *a.Time != *b.Time {
		t.Fatalf("fresh estimator predicted %v/%v, want %v/%v", *b.Price, *b.Time, *a.Price, *a.Time)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)
	xline := segment.Key{Machine: "Xline", Group: "AlSi10Mg"}
	e.Train(ctx, xline, linearSamples(6))

	st, err := e.Status(ctx, []segment.Key{xline, eosNickel})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st) != 2 || st[0].Key != "EOS_IN718_IN625" || st[0].Trained || st[1].Key != "Xline_AlSi10Mg" || !st[1].Trained {
		t.Fatalf("status=%+v", st)
	}
}

type cancelAfterPublish struct {
	modelstore.Store
	cancel context.CancelFunc
}

func (c cancelAfterPublish) Publish(ctx context.Context, key segment.Key, m *modelstore.Manifest) error {
	err := c.Store.Publish(ctx, key, m)
	c.cancel()
	return err
}

func TestTrainAll_CancelKeepsFinishedSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base, _ := newEstimator(t)
	e := New(cancelAfterPublish{Store: base.store, cancel: cancel}, nil)

	sets := map[segment.Key][]Sample{
		{Machine: "Xline", Group: "AlSi10Mg"}:  linearSamples(6),
		{Machine: "EOS", Group: "AlSi10Mg"}:    linearSamples(6),
		{Machine: "M2_neu", Group: "AlSi10Mg"}: linearSamples(6),
	}
	reports, err := e.TrainAll(ctx, sets)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(reports) != 1 || reports[0].Key != "EOS_AlSi10Mg" || !reports[0].Success {
		t.Fatalf("reports=%+v, want only EOS_AlSi10Mg", reports)
	}
	st, _ := e.Status(context.Background(), []segment.Key{{Machine: "EOS", Group: "AlSi10Mg"}})
	if !st[0].Trained {
		t.Fatalf("finished segment was not persisted")
	}
}

// doubledPrices is linearSamples(n) with every price doubled.
func doubledPrices(n int) []Sample {
	out := linearSamples(n)
	for i := range out {
		out[i].Price *= 2
	}
	return out
}

func TestPredict_PicksUpRetrainFromAnotherEstimator(t *testing.T) {
	ctx := context.Background()
	cli, store := newEstimator(t)
	server := New(store, nil)
	v := linearSamples(1)[0].Features

	first := cli.Train(ctx, eosNickel, linearSamples(12))
	if !first.Success {
		t.Fatalf("train: %+v", first)
	}
	before, err := server.Predict(ctx, eosNickel, v)
	if err != nil || before.Status != StatusOK {
		t.Fatalf("predict before retrain: %+v %v", before, err)
	}

	if rep := cli.Train(ctx, eosNickel, doubledPrices(12)); !rep.Success {
		t.Fatalf("retrain: %+v", rep)
	}
	after, err := server.Predict(ctx, eosNickel, v)
	if err != nil {
		t.Fatalf("predict after retrain: %v", err)
	}
	want := 2 * *before.Price
	if !nearlyEqual(*after.Price, want, 0.011) {
		t.Fatalf("price after retrain=%v, want %v", *after.Price, want)
	}

	if _, err := store.Load(ctx, eosNickel, first.RunID, modelstore.TargetPrice); !errors.Is(err, modelstore.ErrNotFound) {
		t.Fatalf("superseded run still stored: err=%v", err)
	}
}

type failTimeSave struct {
	modelstore.Store
}

func (f failTimeSave) Save(ctx context.Context, key segment.Key, a *modelstore.Artifact) error {
	if a.Target == modelstore.TargetTime {
		return errors.New("bucket unavailable")
	}
	return f.Store.Save(ctx, key, a)
}

func TestTrain_FailedSaveKeepsPreviousPair(t *testing.T) {
	ctx := context.Background()
	e, store := newEstimator(t)
	v := linearSamples(1)[0].Features

	first := e.Train(ctx, eosNickel, linearSamples(12))
	if !first.Success {
		t.Fatalf("train: %+v", first)
	}
	want, _ := e.Predict(ctx, eosNickel, v)

	failed := New(failTimeSave{Store: store}, nil).Train(ctx, eosNickel, doubledPrices(12))
	if failed.Success || failed.Reason != ReasonStoreError {
		t.Fatalf("report=%+v, want store_error", failed)
	}

	m, err := store.Current(ctx, eosNickel)
	if err != nil || m.RunID != first.RunID {
		t.Fatalf("manifest=%+v err=%v, want run %s", m, err, first.RunID)
	}
	if _, err := store.Load(ctx, eosNickel, failed.RunID, modelstore.TargetPrice); !errors.Is(err, modelstore.ErrNotFound) {
		t.Fatalf("price artifact of failed run kept: err=%v", err)
	}

	got, err := New(store, nil).Predict(ctx, eosNickel, v)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if *got.Price != *want.Price || *got.Time != *want.Time {
		t.Fatalf("prediction %v/%v, want previous pair %v/%v", *got.Price, *got.Time, *want.Price, *want.Time)
	}
}

func nearlyEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestTrainAll_ContinuesPastInsufficientSegments(t *testing.T) {
	e, _ := newEstimator(t)
	sets := map[segment.Key][]Sample{
		{Machine: "EOS", Group: "1.4404"}:   linearSamples(2),
		{Machine: "M2_alt", Group: "1.4404"}: linearSamples(7),
	}
	reports, err := e.TrainAll(context.Background(), sets)
	if err != nil {
		t.Fatalf("train all: %v", err)
	}
	if len(reports) != 2 || reports[0].Success || !reports[1].Success {
		t.Fatalf("reports=%+v", reports)
	}
}

func TestPredict_ConcurrentWithTraining(t *testing.T) {
	ctx := context.Background()
	e, _ := newEstimator(t)
	e.Train(ctx, eosNickel, linearSamples(12))
	v := linearSamples(1)[0].Features

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p, err := e.Predict(ctx, eosNickel, v)
				if err != nil || p.Status != StatusOK {
					t.Errorf("predict: %+v %v", p, err)
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		e.Train(ctx, eosNickel, linearSamples(12+i))
	}
	wg.Wait()
}
