// Package detector finds statistical outliers in cleaned sales data. No
// models are involved here: rolling z-scores, Tukey fences per group, and
// day-over-day swings, scored so downstream planning can rank severity.
package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/salesops-ai/sentinel/core"
	"github.com/salesops-ai/sentinel/ingest"
	"github.com/salesops-ai/sentinel/observability"
)

// Detector accumulates anomaly records across detection passes.
type Detector struct {
	rows      []ingest.Row
	anomalies []core.Anomaly
	logger    *logrus.Entry
}

// New creates a detector over cleaned rows.
func New(rows []ingest.Row, logger *logrus.Entry) *Detector {
	if logger == nil {
		logger = observability.NewLogger("AnomalyDetector", "")
	}
	return &Detector{rows: rows, logger: logger}
}

// metricValue extracts the requested metric from a row.
func metricValue(row ingest.Row, metric string) float64 {
	if metric == "Profit" {
		return row.Profit
	}
	return row.Sales
}

// groupKey extracts the requested grouping dimension from a row.
func groupKey(row ingest.Row, group string) string {
	if group == "Category" {
		return row.Category
	}
	return row.Region
}

type dailyPoint struct {
	date  string
	value float64
}

// aggregateDaily sums the metric per day, optionally per group, sorted by
// date. Group "" aggregates globally.
func (d *Detector) aggregateDaily(metric, group string) map[string][]dailyPoint {
	sums := map[string]map[string]float64{}
	for _, row := range d.rows {
		key := ""
		if group != "" {
			key = groupKey(row, group)
		}
		date := row.OrderDate.Format("2006-01-02")
		if sums[key] == nil {
			sums[key] = map[string]float64{}
		}
		sums[key][date] += metricValue(row, metric)
	}

	series := map[string][]dailyPoint{}
	for key, byDate := range sums {
		points := make([]dailyPoint, 0, len(byDate))
		for date, value := range byDate {
			points = append(points, dailyPoint{date: date, value: value})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].date < points[j].date })
		series[key] = points
	}
	return series
}

func anomalyID(detector, entity, date string, score float64) string {
	return fmt.Sprintf("%s_%s_%s_s%d", detector, strings.ReplaceAll(entity, " ", "_"), date, int(score))
}

// GlobalZScore flags days whose metric deviates from the rolling mean by more
// than threshold standard deviations. A zero rolling deviation is treated as
// one to keep flat stretches from dividing by zero.
func (d *Detector) GlobalZScore(metric string, window int, threshold float64) int {
	if window <= 0 {
		window = 30
	}
	if threshold <= 0 {
		threshold = 3.0
	}
	d.logger.WithFields(logrus.Fields{"metric": metric, "window": window, "threshold": threshold}).Info("running global z-score detector")

	points := d.aggregateDaily(metric, "")[""]
	found := 0
	for i, point := range points {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		mean, std := meanStd(points[lo : i+1])
		if std == 0 {
			std = 1
		}
		z := (point.value - mean) / std
		if math.Abs(z) <= threshold {
			continue
		}

		score := round2(math.Abs(z))
		d.anomalies = append(d.anomalies, core.Anomaly{
			ID:       anomalyID("zscore", "Global", point.date, score),
			Level:    "global",
			EntityID: "All_Regions",
			Metric:   metric,
			Value:    point.value,
			Expected: round2(mean),
			Score:    score,
			Detector: "zscore",
			Context: map[string]any{
				"window_mean": round2(mean),
				"window_std":  round2(std),
				"threshold":   threshold,
				"reason":      fmt.Sprintf("Spike detected (Z=%.2f)", score),
			},
		})
		found++
	}
	return found
}

// GroupedIQR flags per-group days outside the rolling Tukey fences. Robust to
// the skew typical of B2B sales; trivially small values are ignored so a zero
// day against a negative lower bound does not fire.
func (d *Detector) GroupedIQR(group, metric string, window int, k float64) int {
	if window <= 0 {
		window = 14
	}
	if k <= 0 {
		k = 1.5
	}
	const minPeriods = 5
	d.logger.WithFields(logrus.Fields{"group": group, "metric": metric, "window": window, "k": k}).Info("running grouped IQR detector")

	found := 0
	for entity, points := range d.aggregateDaily(metric, group) {
		for i, point := range points {
			lo := i - window + 1
			if lo < 0 {
				lo = 0
			}
			windowVals := values(points[lo : i+1])
			if len(windowVals) < minPeriods {
				continue
			}

			q1 := quantile(windowVals, 0.25)
			q3 := quantile(windowVals, 0.75)
			iqr := q3 - q1
			lower := q1 - k*iqr
			upper := q3 + k*iqr

			if point.value >= lower && point.value <= upper {
				continue
			}
			if point.value <= 10 {
				continue
			}

			dist := point.value - q3
			expected := q3
			if point.value < q1 {
				dist = q1 - point.value
				expected = q1
			}
			div := iqr
			if div <= 0 {
				div = 1
			}
			score := round2(dist / div)

			d.anomalies = append(d.anomalies, core.Anomaly{
				ID:       anomalyID("iqr", entity, point.date, score),
				Level:    strings.ToLower(group),
				EntityID: entity,
				Metric:   metric,
				Value:    point.value,
				Expected: round2(expected),
				Score:    score,
				Detector: "iqr",
				Context: map[string]any{
					"Q1":     round2(q1),
					"Q3":     round2(q3),
					"IQR":    round2(iqr),
					"reason": fmt.Sprintf("Outside Tukey Fence (Score=%.2f)", score),
				},
			})
			found++
		}
	}
	return found
}

// PctChange flags days whose metric swings by more than threshold (a ratio,
// e.g. 0.5 for 50%) against the previous day. The score is the swing ratio.
func (d *Detector) PctChange(metric string, threshold float64) int {
	if threshold <= 0 {
		threshold = 0.5
	}
	d.logger.WithFields(logrus.Fields{"metric": metric, "threshold": threshold}).Info("running day-over-day change detector")

	points := d.aggregateDaily(metric, "")[""]
	found := 0
	for i := 1; i < len(points); i++ {
		prev := points[i-1].value
		if prev <= 0 {
			continue
		}
		change := (points[i].value - prev) / prev
		if math.Abs(change) <= threshold {
			continue
		}

		score := round2(math.Abs(change))
		d.anomalies = append(d.anomalies, core.Anomaly{
			ID:       anomalyID("pct_change", "Global", points[i].date, score),
			Level:    "global",
			EntityID: "All_Regions",
			Metric:   metric,
			Value:    points[i].value,
			Expected: round2(prev),
			Score:    score,
			Detector: "pct_change",
			Context: map[string]any{
				"previous":   round2(prev),
				"change_pct": round2(change * 100),
				"reason":     fmt.Sprintf("Day-over-day swing of %.0f%%", math.Abs(change)*100),
			},
		})
		found++
	}
	return found
}

// Anomalies returns everything found so far, highest severity first.
func (d *Detector) Anomalies() []core.Anomaly {
	out := make([]core.Anomaly, len(d.anomalies))
	copy(out, d.anomalies)
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].Score) > math.Abs(out[j].Score)
	})
	return out
}

func values(points []dailyPoint) []float64 {
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.value
	}
	return vals
}

func meanStd(points []dailyPoint) (float64, float64) {
	if len(points) == 0 {
		return 0, 0
	}
	var sum float64
	for _, p := range points {
		sum += p.value
	}
	mean := sum / float64(len(points))

	if len(points) < 2 {
		return mean, 0
	}
	var sq float64
	for _, p := range points {
		diff := p.value - mean
		sq += diff * diff
	}
	// Sample deviation, matching rolling-window convention.
	return mean, math.Sqrt(sq / float64(len(points)-1))
}

// quantile computes the q-th quantile with linear interpolation.
func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
