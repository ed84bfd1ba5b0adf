package ring

import (
	"fmt"
	"math"

	gometrics "github.com/rcrowley/go-metrics"
)

// LoadMetric measures the local load of a node
type LoadMetric interface {
	Name() string
	Load() float64
}

// RequestObserver is implemented by metrics that need to see the request traffic
type RequestObserver interface {
	Observe(ops int)
}

const (
	MetricProfiles = "profiles"
	MetricRate     = "rate"
)

// NewLoadMetric creates the metric with the given name. count returns the number of served profiles.
func NewLoadMetric(name string, count func() int) (LoadMetric, error) {
	switch name {
	case MetricProfiles, "":
		return NewProfileCountMetric(count), nil
	case MetricRate:
		return NewRequestRateMetric(), nil
	default:
		return nil, fmt.Errorf("unknown load metric %q (supported: %s, %s)", name, MetricProfiles, MetricRate)
	}
}

// ----------------------------------------------------------------------------
// Served profile count
// ----------------------------------------------------------------------------

type ProfileCountMetric struct {
	count func() int
}

func NewProfileCountMetric(count func() int) *ProfileCountMetric {
	return &ProfileCountMetric{count: count}
}

func (m *ProfileCountMetric) Name() string { return MetricProfiles }

func (m *ProfileCountMetric) Load() float64 { return float64(m.count()) }

// ----------------------------------------------------------------------------
// Request rate
// ----------------------------------------------------------------------------

// RequestRateMetric is the one-minute exponentially weighted rate of operations per second
type RequestRateMetric struct {
	meter gometrics.Meter
}

func NewRequestRateMetric() *RequestRateMetric {
	return &RequestRateMetric{meter: gometrics.NewMeter()}
}

func (m *RequestRateMetric) Name() string { return MetricRate }

func (m *RequestRateMetric) Load() float64 { return m.meter.Rate1() }

func (m *RequestRateMetric) Observe(ops int) {
	if ops > 0 {
		m.meter.Mark(int64(ops))
	}
}

// Count returns the total number of observed operations
func (m *RequestRateMetric) Count() int64 { return m.meter.Count() }

// Stop detaches the meter from the ticker
func (m *RequestRateMetric) Stop() { m.meter.Stop() }

// ----------------------------------------------------------------------------
// Ring statistics and classification
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes mean, population standard deviation, minimum and maximum of values
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	ratio := 1.0
	if hi > 0 {
		ratio = lo / hi
	}

	return Stats{
		StdDeviation: math.Sqrt(sumSquaredDiffs / float64(len(values))),
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  ratio,
	}
}

type Class int

const (
	Balanced Class = iota
	Underloaded
	Overloaded
)

func (c Class) String() string {
	switch c {
	case Underloaded:
		return "underloaded"
	case Overloaded:
		return "overloaded"
	default:
		return "balanced"
	}
}

// Thresholds decide when a node is out of balance. Without High and Low a node is compared
// with the ring mean: overloaded above Mean+Slack, underloaded below Mean-Slack. A non-zero High
// or Low switches to absolute thresholds (overloaded at load >= High, underloaded at load <= Low).
type Thresholds struct {
	Slack float64
	High  float64
	Low   float64
}

// Assessment is the classification of one load sample
type Assessment struct {
	Class  Class
	Load   float64
	Target float64
	Ring   Stats
}

// Amount is the distance between the load and the target load
func (a Assessment) Amount() float64 {
	return math.Abs(a.Load - a.Target)
}

func (t Thresholds) absolute() bool {
	return t.High > 0 || t.Low > 0
}

// Assess classifies load against the loads observed on the ring
func (t Thresholds) Assess(load float64, ring []float64) Assessment {
	stats := NewStats(ring)
	if len(ring) == 0 {
		stats = NewStats([]float64{load})
	}
	a := Assessment{Class: Balanced, Load: load, Target: stats.Mean, Ring: stats}

	if t.absolute() {
		if t.High > 0 && t.Low > 0 {
			a.Target = (t.High + t.Low) / 2
		}
		switch {
		case t.High > 0 && load >= t.High:
			a.Class = Overloaded
		case t.Low > 0 && load <= t.Low:
			a.Class = Underloaded
		}
		return a
	}

	switch {
	case load > stats.Mean+t.Slack:
		a.Class = Overloaded
	case load < stats.Mean-t.Slack:
		a.Class = Underloaded
	}
	return a
}
