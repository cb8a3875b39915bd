package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts predictions per class. Rows are the actual
// class and columns the predicted class, both ordered by Classes.
type ConfusionMatrix struct {
	Classes []int
	counts  *mat.Dense
}

// NewConfusionMatrix tallies paired actual and predicted labels.
func NewConfusionMatrix(actual, predicted []int) (*ConfusionMatrix, error) {
	if len(actual) != len(predicted) {
		return nil, fmt.Errorf("%d actual labels for %d predictions", len(actual), len(predicted))
	}
	if len(actual) == 0 {
		return nil, fmt.Errorf("no labels to compare")
	}

	seen := make(map[int]bool)
	for i := range actual {
		seen[actual[i]] = true
		seen[predicted[i]] = true
	}
	classes := make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	counts := mat.NewDense(len(classes), len(classes), nil)
	for i := range actual {
		r, c := index[actual[i]], index[predicted[i]]
		counts.Set(r, c, counts.At(r, c)+1)
	}
	return &ConfusionMatrix{Classes: classes, counts: counts}, nil
}

// ConfusionMatrixFromRows wraps counts reported by an engine.
func ConfusionMatrixFromRows(classes []int, rows [][]float64) (*ConfusionMatrix, error) {
	n := len(classes)
	if n == 0 || len(rows) != n {
		return nil, fmt.Errorf("%d rows for %d classes", len(rows), n)
	}
	data := make([]float64, 0, n*n)
	seen := make(map[int]bool, n)
	for _, c := range classes {
		if seen[c] {
			return nil, fmt.Errorf("duplicate class %d", c)
		}
		seen[c] = true
	}
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), n)
		}
		data = append(data, row...)
	}
	return &ConfusionMatrix{Classes: classes, counts: mat.NewDense(n, n, data)}, nil
}

func (m *ConfusionMatrix) Rows() [][]float64 {
	n := len(m.Classes)
	out := make([][]float64, n)
	for i := range out {
		out[i] = mat.Row(nil, i, m.counts)
	}
	return out
}

func (m *ConfusionMatrix) Count(actual, predicted int) float64 {
	r, ok := m.index(actual)
	if !ok {
		return 0
	}
	c, ok := m.index(predicted)
	if !ok {
		return 0
	}
	return m.counts.At(r, c)
}

func (m *ConfusionMatrix) index(class int) (int, bool) {
	for i, c := range m.Classes {
		if c == class {
			return i, true
		}
	}
	return 0, false
}

func (m *ConfusionMatrix) total() float64 {
	return mat.Sum(m.counts)
}

// Accuracy is the fraction of samples on the diagonal.
func (m *ConfusionMatrix) Accuracy() float64 {
	total := m.total()
	if total == 0 {
		return math.NaN()
	}
	return mat.Trace(m.counts) / total
}

// Kappa is Cohen's kappa: agreement corrected for chance.
func (m *ConfusionMatrix) Kappa() float64 {
	total := m.total()
	if total == 0 {
		return math.NaN()
	}
	n := len(m.Classes)
	ones := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		ones.SetVec(i, 1)
	}
	var rowSums, colSums mat.VecDense
	rowSums.MulVec(m.counts, ones)
	colSums.MulVec(m.counts.T(), ones)

	observed := mat.Trace(m.counts) / total
	expected := mat.Dot(&rowSums, &colSums) / (total * total)
	if expected == 1 {
		return 1
	}
	return (observed - expected) / (1 - expected)
}

// ProducersAccuracy is the per class recall, in Classes order.
func (m *ConfusionMatrix) ProducersAccuracy() []float64 {
	out := make([]float64, len(m.Classes))
	for i := range out {
		row := mat.Row(nil, i, m.counts)
		out[i] = ratio(m.counts.At(i, i), sum(row))
	}
	return out
}

// ConsumersAccuracy is the per class precision, in Classes order.
func (m *ConfusionMatrix) ConsumersAccuracy() []float64 {
	out := make([]float64, len(m.Classes))
	for i := range out {
		col := mat.Col(nil, i, m.counts)
		out[i] = ratio(m.counts.At(i, i), sum(col))
	}
	return out
}

func sum(vals []float64) float64 {
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return math.NaN()
	}
	return a / b
}

type confusionJSON struct {
	Classes []int       `json:"classes"`
	Rows    [][]float64 `json:"rows"`
}

func (m *ConfusionMatrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(confusionJSON{Classes: m.Classes, Rows: m.Rows()})
}

func (m *ConfusionMatrix) UnmarshalJSON(b []byte) error {
	var cj confusionJSON
	if err := json.Unmarshal(b, &cj); err != nil {
		return err
	}
	parsed, err := ConfusionMatrixFromRows(cj.Classes, cj.Rows)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}
