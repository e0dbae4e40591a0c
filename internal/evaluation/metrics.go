package evaluation

import "math"

// ratio returns num/den, or NaN when den is zero.
func ratio(num, den float64) Metric {
	if den == 0 || math.IsNaN(den) {
		return NaN()
	}
	return Metric(num / den)
}

// f1Score is the harmonic mean of precision and recall. It is NaN when
// either is undefined or both are zero.
func f1Score(precision, recall Metric) Metric {
	if precision.IsNaN() || recall.IsNaN() || precision+recall == 0 {
		return NaN()
	}
	return 2 * precision * recall / (precision + recall)
}

// NewClassItem derives per-class metrics from raw counts. Pass NaN for tn
// when true negatives are meaningless (vector mode).
func NewClassItem(classID int, className string, tp, fp, fn, tn float64) *ClassItem {
	gt := tp + fn
	pred := tp + fp
	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)

	return &ClassItem{
		ClassID:   classID,
		ClassName: className,

		TP: Metric(tp),
		FP: Metric(fp),
		FN: Metric(fn),
		TN: Metric(tn),

		GTCount:           Metric(gt),
		PredCount:         Metric(pred),
		CountError:        Metric(math.Abs(gt - pred)),
		RelativeFrequency: ratio(gt, tp+fp+fn+tn),

		Precision:   precision,
		Recall:      recall,
		F1:          f1Score(precision, recall),
		Sensitivity: recall,
		Specificity: ratio(tn, tn+fp),
	}
}

// ClassItemFromConfusion evaluates classID one-vs-rest against a
// multiclass confusion matrix.
func ClassItemFromConfusion(cm *ConfusionMatrix, classID int, className string) *ClassItem {
	tp := cm.At(classID, classID)
	fp := cm.ColSum(classID) - tp
	fn := cm.RowSum(classID) - tp
	tn := cm.Total() - tp - fp - fn

	item := NewClassItem(classID, className, tp, fp, fn, tn)
	item.ConfMat = [][]Metric{
		{Metric(tn), Metric(fp)},
		{Metric(fn), Metric(tp)},
	}
	return item
}

// newAverageItem weights each class metric by the class's ground truth
// count. Undefined class metrics contribute nothing; a metric is NaN only
// when there is no ground truth at all.
func newAverageItem(items []*ClassItem, cm *ConfusionMatrix) *AverageItem {
	var total float64
	for _, it := range items {
		total += float64(it.GTCount)
	}

	pick := map[string]func(*ClassItem) Metric{
		MetricPrecision:   func(it *ClassItem) Metric { return it.Precision },
		MetricRecall:      func(it *ClassItem) Metric { return it.Recall },
		MetricF1:          func(it *ClassItem) Metric { return it.F1 },
		MetricSensitivity: func(it *ClassItem) Metric { return it.Sensitivity },
		MetricSpecificity: func(it *ClassItem) Metric { return it.Specificity },
	}

	metrics := make(map[string]Metric, len(pick))
	for name, get := range pick {
		if total == 0 {
			metrics[name] = NaN()
			continue
		}
		var sum float64
		for _, it := range items {
			v := get(it)
			if v.IsNaN() {
				continue
			}
			sum += float64(it.GTCount) / total * float64(v)
		}
		metrics[name] = Metric(sum)
	}

	return &AverageItem{
		ClassName: "average",
		GTCount:   Metric(total),
		Metrics:   metrics,
		ConfMat:   cm,
	}
}
