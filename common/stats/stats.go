// Package stats is a thin facade over go-metrics: scoped receivers handing
// out counters, gauges, and latency instruments backed by a shared
// registry. Callers that do not care about metrics pass a nil receiver and
// get no-ops.
package stats

import (
	"strings"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// StatsReceiver hands out instruments namespaced by its scope.
type StatsReceiver interface {
	// Scope returns a receiver that prefixes all instrument names with the
	// given scope elements:
	//
	//	stat.Scope("sched", "level0").Counter("pruned") // sched/level0/pruned
	Scope(scope ...string) StatsReceiver

	// Counter provides an event counter.
	Counter(name ...string) Counter

	// Gauge provides an instrument holding an arbitrary float64.
	Gauge(name ...string) Gauge

	// Latency provides a duration histogram fed by Time()/Stop() pairs.
	Latency(name ...string) Latency
}

type Counter interface {
	Inc(delta int64)
	Count() int64
}

type Gauge interface {
	Update(value float64)
	Value() float64
}

// Latency times an operation:
//
//	defer stat.Latency("searchLatency_ms").Time().Stop()
type Latency interface {
	Time() Latency
	Stop()
	Mean() float64
}

// DefaultStatsReceiver returns a receiver over a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

// NilStatsReceiver returns a receiver whose instruments all discard.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{registry: s.registry, scope: append(append([]string{}, s.scope...), scope...)}
}

func (s *defaultStatsReceiver) scoped(name []string) string {
	return strings.Join(append(append([]string{}, s.scope...), name...), "/")
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return counter{metrics.GetOrRegisterCounter(s.scoped(name), s.registry)}
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return gauge{metrics.GetOrRegisterGaugeFloat64(s.scoped(name), s.registry)}
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	return &latency{hist: metrics.GetOrRegisterHistogram(s.scoped(name), s.registry, metrics.NewUniformSample(1024))}
}

type counter struct{ c metrics.Counter }

func (c counter) Inc(delta int64) { c.c.Inc(delta) }
func (c counter) Count() int64    { return c.c.Count() }

type gauge struct{ g metrics.GaugeFloat64 }

func (g gauge) Update(v float64) { g.g.Update(v) }
func (g gauge) Value() float64   { return g.g.Value() }

type latency struct {
	hist  metrics.Histogram
	mu    sync.Mutex
	start time.Time
}

func (l *latency) Time() Latency {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = time.Now()
	return l
}

func (l *latency) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.start.IsZero() {
		l.hist.Update(time.Since(l.start).Nanoseconds() / int64(time.Millisecond))
		l.start = time.Time{}
	}
}

func (l *latency) Mean() float64 {
	return l.hist.Mean()
}

type nilStatsReceiver struct{}

func (nilStatsReceiver) Scope(...string) StatsReceiver { return nilStatsReceiver{} }
func (nilStatsReceiver) Counter(...string) Counter     { return nilCounter{} }
func (nilStatsReceiver) Gauge(...string) Gauge         { return nilGauge{} }
func (nilStatsReceiver) Latency(...string) Latency     { return nilLatency{} }

type nilCounter struct{}

func (nilCounter) Inc(int64)    {}
func (nilCounter) Count() int64 { return 0 }

type nilGauge struct{}

func (nilGauge) Update(float64)  {}
func (nilGauge) Value() float64  { return 0 }

type nilLatency struct{}

func (n nilLatency) Time() Latency { return n }
func (nilLatency) Stop()           {}
func (nilLatency) Mean() float64   { return 0 }
