package services

import (
	"regexp"
	"strconv"
)

type metricPattern struct {
	name string
	re   *regexp.Regexp
}

func metricRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(` + label + `)\s*[:=\s]\s*([0-9]+(?:\.[0-9]+)?)`)
}

// Recognised metrics, matched case-insensitively as "<label>[:= ]<number>"
var metricPatterns = []metricPattern{
	{"accuracy", metricRe(`accuracy|acc`)},
	{"precision", metricRe(`precision`)},
	{"recall", metricRe(`recall`)},
	{"f1", metricRe(`f1-score|f1`)},
	{"iou", metricRe(`iou|intersection over union`)},
	{"dice", metricRe(`dice`)},
	{"pixel_accuracy", metricRe(`pixel\s*accuracy`)},
	{"top1", metricRe(`top[-\s]?1`)},
	{"top5", metricRe(`top[-\s]?5`)},
	{"map50", metricRe(`map[@\s]?50`)},
	{"map50_95", metricRe(`map[@\s]?50-95|map50-95`)},
}

// MetricsParser pulls numeric metric values out of free text such as paper
// abstracts or model output
type MetricsParser struct{}

func NewMetricsParser() *MetricsParser {
	return &MetricsParser{}
}

// Parse returns the first value found for every recognised metric
func (p *MetricsParser) Parse(text string) map[string]float64 {
	metrics := make(map[string]float64)
	for _, mp := range metricPatterns {
		m := mp.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		metrics[mp.name] = v
	}
	return metrics
}

// ExtractAll parses every text; later texts win on conflicts
func (p *MetricsParser) ExtractAll(texts []string) map[string]float64 {
	collected := make(map[string]float64)
	for _, t := range texts {
		for k, v := range p.Parse(t) {
			collected[k] = v
		}
	}
	return collected
}
