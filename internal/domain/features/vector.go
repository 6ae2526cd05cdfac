package features

import (
	"time"
)

// Vector is a fixed-shape feature vector produced from the bar window of one
// symbol at one instant. Names and Values are parallel slices whose order is
// fixed by the schema; consumers must reject vectors whose SchemaID does not
// match the models they feed.
type Vector struct {
	Symbol   string    `json:"symbol"`
	Ts       time.Time `json:"ts"`
	SchemaID string    `json:"schema_id"`
	Names    []string  `json:"names"`
	Values   []float64 `json:"values"`
}

// Clone returns a deep copy so a stored vector cannot alias the builder's
// scratch buffers.
func (v *Vector) Clone() *Vector {
	if v == nil {
		return nil
	}
	out := &Vector{
		Symbol:   v.Symbol,
		Ts:       v.Ts,
		SchemaID: v.SchemaID,
		Names:    make([]string, len(v.Names)),
		Values:   make([]float64, len(v.Values)),
	}
	copy(out.Names, v.Names)
	copy(out.Values, v.Values)
	return out
}

// Get returns the value of a named feature.
func (v *Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Len returns the number of features.
func (v *Vector) Len() int {
	return len(v.Values)
}
