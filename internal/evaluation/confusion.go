package evaluation

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts (ground truth, prediction) class pairs. Rows are
// ground truth classes and columns are predicted classes.
type ConfusionMatrix struct {
	m *mat.Dense
	n int
}

// NewConfusionMatrix returns an empty n x n matrix. n must be positive.
func NewConfusionMatrix(n int) *ConfusionMatrix {
	return &ConfusionMatrix{m: mat.NewDense(n, n, nil), n: n}
}

// ConfusionMatrixFromRows builds a matrix from nested rows.
func ConfusionMatrixFromRows(rows [][]float64) (*ConfusionMatrix, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("confusion matrix has no rows")
	}
	data := make([]float64, 0, n*n)
	for i, r := range rows {
		if len(r) != n {
			return nil, fmt.Errorf("confusion matrix row %d has %d columns, want %d", i, len(r), n)
		}
		for _, v := range r {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("confusion matrix row %d has invalid count %v", i, v)
			}
		}
		data = append(data, r...)
	}
	return &ConfusionMatrix{m: mat.NewDense(n, n, data), n: n}, nil
}

// Size returns the number of classes.
func (c *ConfusionMatrix) Size() int { return c.n }

// Add counts one unit of ground truth class gt predicted as pred.
func (c *ConfusionMatrix) Add(gt, pred int) {
	c.m.Set(gt, pred, c.m.At(gt, pred)+1)
}

// AddArrays counts aligned ground truth and prediction cells.
func (c *ConfusionMatrix) AddArrays(gt, pred []int) error {
	if len(gt) != len(pred) {
		return fmt.Errorf("label arrays differ in length: %d vs %d", len(gt), len(pred))
	}
	for i := range gt {
		if gt[i] < 0 || gt[i] >= c.n {
			return fmt.Errorf("ground truth class %d out of range [0, %d)", gt[i], c.n)
		}
		if pred[i] < 0 || pred[i] >= c.n {
			return fmt.Errorf("predicted class %d out of range [0, %d)", pred[i], c.n)
		}
		c.Add(gt[i], pred[i])
	}
	return nil
}

// Merge adds other's counts into c.
func (c *ConfusionMatrix) Merge(other *ConfusionMatrix) error {
	if other.n != c.n {
		return fmt.Errorf("cannot merge %dx%d confusion matrix into %dx%d", other.n, other.n, c.n, c.n)
	}
	c.m.Add(c.m, other.m)
	return nil
}

// Clone returns a deep copy.
func (c *ConfusionMatrix) Clone() *ConfusionMatrix {
	return &ConfusionMatrix{m: mat.DenseCopyOf(c.m), n: c.n}
}

// At returns the count for (gt, pred).
func (c *ConfusionMatrix) At(gt, pred int) float64 { return c.m.At(gt, pred) }

// RowSum is the number of units whose ground truth is class i.
func (c *ConfusionMatrix) RowSum(i int) float64 {
	return floats.Sum(mat.Row(nil, i, c.m))
}

// ColSum is the number of units predicted as class j.
func (c *ConfusionMatrix) ColSum(j int) float64 {
	return floats.Sum(mat.Col(nil, j, c.m))
}

// Total is the number of compared units.
func (c *ConfusionMatrix) Total() float64 { return mat.Sum(c.m) }

// Rows returns the matrix as nested slices.
func (c *ConfusionMatrix) Rows() [][]float64 {
	out := make([][]float64, c.n)
	for i := range out {
		out[i] = mat.Row(nil, i, c.m)
	}
	return out
}

// MarshalJSON encodes the matrix as nested arrays.
func (c *ConfusionMatrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Rows())
}

// UnmarshalJSON decodes nested arrays.
func (c *ConfusionMatrix) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	cm, err := ConfusionMatrixFromRows(rows)
	if err != nil {
		return err
	}
	*c = *cm
	return nil
}
