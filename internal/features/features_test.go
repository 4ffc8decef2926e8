package features

import (
	"errors"
	"testing"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
)

func ptr(v float64) *float64 { return &v }

func TestAssemble_OverrideWins(t *testing.T) {
	base := Attributes{PartHeightMM: 20, Quantity: 4}

	v := Assemble(base, Override{PartHeightMM: 5})
	if got := v.Get(PartHeightMM); got != 5 {
		t.Fatalf("height=%v, want 5", got)
	}
	if got := v.Get(Quantity); got != 4 {
		t.Fatalf("quantity=%v, want 4", got)
	}

	v = Assemble(base, Override{})
	if got := v.Get(PartHeightMM); got != 20 {
		t.Fatalf("height=%v, want 20", got)
	}
}

func TestAssemble_MissingFeaturesDefaultToZero(t *testing.T) {
	v := Assemble(Attributes{StockCM3: 12.5}, nil)

	row := v.Row()
	if len(row) != len(Declared) {
		t.Fatalf("row has %d values, want %d", len(row), len(Declared))
	}
	for i, n := range Declared {
		want := 0.0
		if n == StockCM3 {
			want = 12.5
		}
		if row[i] != want {
			t.Fatalf("%s=%v, want %v", n, row[i], want)
		}
	}
}

func TestAssemble_ZeroOverrideStillWins(t *testing.T) {
	v := Assemble(Attributes{QCTimeMin: 30}, Override{QCTimeMin: 0})
	if got := v.Get(QCTimeMin); got != 0 {
		t.Fatalf("qc_time_min=%v, want 0", got)
	}
}

func TestFromMap_IgnoresUnknownKeys(t *testing.T) {
	v := FromMap(map[string]float64{"quantity": 3, "colour": 7})
	if got := v.Get(Quantity); got != 3 {
		t.Fatalf("quantity=%v, want 3", got)
	}
	if _, ok := v.Map()["colour"]; ok {
		t.Fatalf("unexpected unknown key in vector")
	}
}

func TestParseOverride(t *testing.T) {
	ov, err := ParseOverride(map[string]*float64{
		"part_height_mm": ptr(5),
		"qc_time_min":    nil,
	})
	if err != nil {
		t.Fatalf("ParseOverride: %v", err)
	}
	if len(ov) != 1 || ov[PartHeightMM] != 5 {
		t.Fatalf("override=%v, want only part_height_mm=5", ov)
	}

	_, err = ParseOverride(map[string]*float64{"part_hieght_mm": ptr(5)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err=%v, want ErrValidation", err)
	}
}

func TestOverrideMerge(t *testing.T) {
	merged := Override{Quantity: 2, PartHeightMM: 10}.Merge(Override{PartHeightMM: 12})
	if merged[Quantity] != 2 || merged[PartHeightMM] != 12 {
		t.Fatalf("merged=%v", merged)
	}
}
