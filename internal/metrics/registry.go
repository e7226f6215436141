// Package metrics is a small in-process metrics registry: counters and
// cumulative histograms, rendered in the Prometheus text exposition format.
// A Registry is constructed explicitly and injected where needed; there is
// no package-level instance.
package metrics

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type Labels map[string]string

type labelPair struct {
	key   string
	value string
}

type counterSeries struct {
	name   string
	labels []labelPair
	value  float64
}

type histogramSeries struct {
	name   string
	labels []labelPair
	bounds []float64
	// buckets holds cumulative counts, one per bound plus the trailing
	// +Inf bucket, so buckets[len(bounds)] always equals count.
	buckets []uint64
	sum     float64
	count   uint64
}

type Registry struct {
	mu         sync.Mutex
	counters   map[string]*counterSeries
	histograms map[string]*histogramSeries
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   map[string]*counterSeries{},
		histograms: map[string]*histogramSeries{},
	}
}

// IncCounter adds 1 to the counter series identified by name and labels,
// creating the series on first use.
func (r *Registry) IncCounter(name string, labels Labels) {
	r.AddCounter(name, labels, 1)
}

func (r *Registry) AddCounter(name string, labels Labels, delta float64) {
	pairs := sortedPairs(labels)
	key := seriesKey(name, pairs)

	r.mu.Lock()
	defer r.mu.Unlock()
	series, ok := r.counters[key]
	if !ok {
		series = &counterSeries{name: name, labels: pairs}
		r.counters[key] = series
	}
	series.value += delta
}

// ObserveHistogram records value into the histogram series identified by
// name and labels. Bounds are captured on first observation for a series;
// callers are expected to pass the same bounds for a given name.
func (r *Registry) ObserveHistogram(name string, labels Labels, value float64, bounds []float64) {
	pairs := sortedPairs(labels)
	key := seriesKey(name, pairs)

	r.mu.Lock()
	defer r.mu.Unlock()
	series, ok := r.histograms[key]
	if !ok {
		owned := make([]float64, len(bounds))
		copy(owned, bounds)
		series = &histogramSeries{
			name:    name,
			labels:  pairs,
			bounds:  owned,
			buckets: make([]uint64, len(owned)+1),
		}
		r.histograms[key] = series
	}
	for i, bound := range series.bounds {
		if value <= bound {
			series.buckets[i]++
		}
	}
	series.buckets[len(series.bounds)]++
	series.sum += value
	series.count++
}

// Render produces the text exposition of every series under one consistent
// snapshot. Series and label pairs are emitted in sorted order, so the
// output is byte-identical across calls when no mutation happened between
// them.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder

	counterKeys := make([]string, 0, len(r.counters))
	for key := range r.counters {
		counterKeys = append(counterKeys, key)
	}
	sort.Strings(counterKeys)
	for _, key := range counterKeys {
		series := r.counters[key]
		b.WriteString(series.name)
		writeLabels(&b, series.labels, "")
		b.WriteByte(' ')
		b.WriteString(formatValue(series.value))
		b.WriteByte('\n')
	}

	histogramKeys := make([]string, 0, len(r.histograms))
	for key := range r.histograms {
		histogramKeys = append(histogramKeys, key)
	}
	sort.Strings(histogramKeys)
	for _, key := range histogramKeys {
		series := r.histograms[key]
		for i, bound := range series.bounds {
			b.WriteString(series.name)
			b.WriteString("_bucket")
			writeLabels(&b, series.labels, formatValue(bound))
			b.WriteByte(' ')
			b.WriteString(strconv.FormatUint(series.buckets[i], 10))
			b.WriteByte('\n')
		}
		b.WriteString(series.name)
		b.WriteString("_bucket")
		writeLabels(&b, series.labels, "+Inf")
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(series.buckets[len(series.bounds)], 10))
		b.WriteByte('\n')

		b.WriteString(series.name)
		b.WriteString("_sum")
		writeLabels(&b, series.labels, "")
		b.WriteByte(' ')
		b.WriteString(formatValue(series.sum))
		b.WriteByte('\n')

		b.WriteString(series.name)
		b.WriteString("_count")
		writeLabels(&b, series.labels, "")
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(series.count, 10))
		b.WriteByte('\n')
	}
	return b.String()
}

func sortedPairs(labels Labels) []labelPair {
	pairs := make([]labelPair, 0, len(labels))
	for key, value := range labels {
		pairs = append(pairs, labelPair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs
}

func seriesKey(name string, pairs []labelPair) string {
	var b strings.Builder
	b.WriteString(name)
	for _, pair := range pairs {
		b.WriteByte(0)
		b.WriteString(pair.key)
		b.WriteByte(0)
		b.WriteString(pair.value)
	}
	return b.String()
}

// writeLabels emits the sorted label block, appending le as a trailing
// label when non-empty.
func writeLabels(b *strings.Builder, pairs []labelPair, le string) {
	if len(pairs) == 0 && le == "" {
		return
	}
	b.WriteByte('{')
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pair.key)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(pair.value))
		b.WriteByte('"')
	}
	if le != "" {
		if len(pairs) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`le="`)
		b.WriteString(le)
		b.WriteByte('"')
	}
	b.WriteByte('}')
}

func escapeLabelValue(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return replacer.Replace(value)
}

func formatValue(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}
