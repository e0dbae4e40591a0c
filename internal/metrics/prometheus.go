package metrics

import (
	"sort"
	"strconv"
	"strings"
)

// PrometheusFormat exports all metrics in Prometheus text exposition format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func (m *Metrics) PrometheusFormat() string {
	m.updateSystem()

	var sb strings.Builder

	// Prediction metrics
	writeCounterVec(&sb, m.PredictionJobs)
	writeGauge(&sb, m.PredictionsInFlight)
	writeHistogram(&sb, m.PredictionDuration)

	// Evaluation metrics
	writeCounterVec(&sb, m.Evaluations)
	writeGaugeVec(&sb, m.EvaluationRecall)

	// Bus metrics
	writeCounterVec(&sb, m.BusEvents)

	// HTTP metrics
	writeCounterVec(&sb, m.HTTPRequests)
	writeHistogram(&sb, m.HTTPDuration)
	writeGauge(&sb, m.HTTPRequestsInFlight)

	// System metrics
	writeGauge(&sb, m.GoroutineCount)
	writeGauge(&sb, m.Uptime)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, help, kind string) {
	sb.WriteString("# HELP " + name + " " + help + "\n")
	sb.WriteString("# TYPE " + name + " " + kind + "\n")
}

func writeSample(sb *strings.Builder, name string, labels map[string]string, value string) {
	sb.WriteString(name)
	writeLabels(sb, labels)
	sb.WriteString(" " + value + "\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// writeGauge writes a gauge in Prometheus format.
func writeGauge(sb *strings.Builder, g *Gauge) {
	writeHeader(sb, g.Name(), g.Help(), "gauge")
	writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
}

// writeHistogram writes a histogram in Prometheus format.
func writeHistogram(sb *strings.Builder, h *Histogram) {
	writeHeader(sb, h.Name(), h.Help(), "histogram")

	counts, sum, count := h.Snapshot()
	labels := h.Labels()
	for i, bound := range h.Buckets() {
		bl := copyLabels(labels)
		bl["le"] = formatFloat(bound)
		writeSample(sb, h.Name()+"_bucket", bl, strconv.FormatInt(counts[i], 10))
	}
	inf := copyLabels(labels)
	inf["le"] = "+Inf"
	writeSample(sb, h.Name()+"_bucket", inf, strconv.FormatInt(counts[len(counts)-1], 10))
	writeSample(sb, h.Name()+"_sum", labels, formatFloat(sum))
	writeSample(sb, h.Name()+"_count", labels, strconv.FormatInt(count, 10))
}

// writeCounterVec writes a counter vector in Prometheus format.
func writeCounterVec(sb *strings.Builder, cv *CounterVec) {
	counters := cv.GetAll()
	if len(counters) == 0 {
		return
	}
	writeHeader(sb, cv.Name(), cv.Help(), "counter")
	for _, c := range counters {
		writeSample(sb, c.Name(), c.Labels(), strconv.FormatInt(c.Value(), 10))
	}
}

// writeGaugeVec writes a gauge vector in Prometheus format.
func writeGaugeVec(sb *strings.Builder, gv *GaugeVec) {
	gauges := gv.GetAll()
	if len(gauges) == 0 {
		return
	}
	writeHeader(sb, gv.Name(), gv.Help(), "gauge")
	for _, g := range gauges {
		writeSample(sb, g.Name(), g.Labels(), formatFloat(g.Value()))
	}
}

// writeLabels writes labels in Prometheus format {key="value",key2="value2"}.
func writeLabels(sb *strings.Builder, labels map[string]string) {
	if len(labels) == 0 {
		return
	}

	// Sort keys for stable output
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeString(labels[k]))
		sb.WriteString("\"")
	}
	sb.WriteString("}")
}

// escapeString escapes special characters in label values.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
