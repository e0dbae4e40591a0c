package evaluation

import (
	"math"
	"strconv"
)

// Metric is a float64 that encodes NaN and ±Inf as JSON null.
type Metric float64

// NaN returns an undefined metric.
func NaN() Metric { return Metric(math.NaN()) }

// IsNaN reports whether m is undefined.
func (m Metric) IsNaN() bool { return math.IsNaN(float64(m)) }

// MarshalJSON implements json.Marshaler.
func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler; null decodes to NaN.
func (m *Metric) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = NaN()
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

// Evaluation modes.
const (
	ModeRaster    = "raster"
	ModePolygons  = "polygons"
	ModeBuildings = "buildings"
)

// ClassItem holds the evaluation of one class.
type ClassItem struct {
	ClassID   int    `json:"class_id"`
	ClassName string `json:"class_name"`
	Mode      string `json:"mode,omitempty"`

	TP Metric `json:"true_pos"`
	FP Metric `json:"false_pos"`
	FN Metric `json:"false_neg"`
	TN Metric `json:"true_neg"`

	GTCount           Metric `json:"gt_count"`
	PredCount         Metric `json:"pred_count"`
	CountError        Metric `json:"count_error"`
	RelativeFrequency Metric `json:"relative_frequency"`

	Precision   Metric `json:"precision"`
	Recall      Metric `json:"recall"`
	F1          Metric `json:"f1"`
	Sensitivity Metric `json:"sensitivity"`
	Specificity Metric `json:"specificity"`

	// ConfMat is the one-vs-rest matrix [[TN, FP], [FN, TP]]. Vector items
	// have none.
	ConfMat [][]Metric `json:"conf_mat,omitempty"`
}

// Metric names reported in AverageItem.Metrics.
const (
	MetricPrecision   = "precision"
	MetricRecall      = "recall"
	MetricF1          = "f1"
	MetricSensitivity = "sensitivity"
	MetricSpecificity = "specificity"
)

// AverageItem is the support-weighted average over all classes.
type AverageItem struct {
	ClassName string            `json:"class_name"`
	GTCount   Metric            `json:"gt_count"`
	Metrics   map[string]Metric `json:"metrics"`
	ConfMat   *ConfusionMatrix  `json:"conf_mat,omitempty"`
}

// VectorOutput selects which class a vector prediction file is evaluated
// for and how the result is labelled.
type VectorOutput struct {
	ClassID int    `json:"class_id"`
	Mode    string `json:"mode,omitempty"` // polygons (default) or buildings
}
