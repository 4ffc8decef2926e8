// Package features assembles estimation inputs from stored part attributes and
// calculation-scoped overrides.
package features

import (
	"sort"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
)

// Name is a declared regression feature.
type Name string

const (
	Quantity            Name = "quantity"
	PartVolumeCM3       Name = "part_volume_cm3"
	StockCM3            Name = "stock_cm3"
	SupportVolumeCM3    Name = "support_volume_cm3"
	PartHeightMM        Name = "part_height_mm"
	PrepTimeMin         Name = "prep_time_min"
	PostHandlingTimeMin Name = "post_handling_time_min"
	BlastingTimeMin     Name = "blasting_time_min"
	LeakTestingTimeMin  Name = "leak_testing_time_min"
	QCTimeMin           Name = "qc_time_min"
)

const numFeatures = 10

// Declared lists every feature in model column order.
var Declared = [numFeatures]Name{
	Quantity,
	PartVolumeCM3,
	StockCM3,
	SupportVolumeCM3,
	PartHeightMM,
	PrepTimeMin,
	PostHandlingTimeMin,
	BlastingTimeMin,
	LeakTestingTimeMin,
	QCTimeMin,
}

var declaredIndex = func() map[Name]int {
	idx := make(map[Name]int, len(Declared))
	for i, n := range Declared {
		idx[n] = i
	}
	return idx
}()

// IsDeclared reports whether name is a known feature.
func IsDeclared(name string) bool {
	_, ok := declaredIndex[Name(name)]
	return ok
}

// Attributes are the stored values of a part. A missing entry means the stored
// value is null.
type Attributes map[Name]float64

// Override is a sparse set of replacement values for one (calculation, part)
// pairing. Only present entries take precedence.
type Override map[Name]float64

// Vector is a complete estimation input: one value per declared feature.
type Vector struct {
	values [numFeatures]float64
}

// Get returns the value of a declared feature.
func (v Vector) Get(n Name) float64 {
	i, ok := declaredIndex[n]
	if !ok {
		return 0
	}
	return v.values[i]
}

// Row returns the values in Declared order.
func (v Vector) Row() []float64 {
	row := make([]float64, len(Declared))
	copy(row, v.values[:])
	return row
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(Declared))
	for i, n := range Declared {
		m[string(n)] = v.values[i]
	}
	return m
}

// Assemble merges base attributes with an override: override wins, then the
// stored value, then 0. Keys outside Declared are ignored.
func Assemble(base Attributes, ov Override) Vector {
	var v Vector
	for i, n := range Declared {
		if val, ok := ov[n]; ok {
			v.values[i] = val
			continue
		}
		if val, ok := base[n]; ok {
			v.values[i] = val
		}
	}
	return v
}

// FromMap builds a Vector from caller-supplied values. Unknown keys are ignored
// and absent features default to 0.
func FromMap(m map[string]float64) Vector {
	return Assemble(AttributesFromMap(m), nil)
}

// AttributesFromMap keeps the declared entries of m.
func AttributesFromMap(m map[string]float64) Attributes {
	attrs := make(Attributes, len(m))
	for k, val := range m {
		if IsDeclared(k) {
			attrs[Name(k)] = val
		}
	}
	return attrs
}

// ParseOverride validates a raw override payload. Null entries are dropped;
// unknown keys are a validation error.
func ParseOverride(raw map[string]*float64) (Override, error) {
	var unknown []string
	ov := make(Override, len(raw))
	for k, val := range raw {
		if !IsDeclared(k) {
			unknown = append(unknown, k)
			continue
		}
		if val == nil {
			continue
		}
		ov[Name(k)] = *val
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperr.Validation("unknown override attributes: %v", unknown)
	}
	return ov, nil
}

// Merge returns a copy of ov with next applied on top.
func (ov Override) Merge(next Override) Override {
	out := make(Override, len(ov)+len(next))
	for k, v := range ov {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}
