package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	auth "github.com/KingInYellow18/medianest/auth"
	"github.com/KingInYellow18/medianest/auth/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is read once per collection. *auth.Coordinator implements it.
type Source interface {
	MetricsSnapshot() auth.MetricsSnapshot
	AuditDropped() uint64
}

// reading is one value taken from a collected snapshot.
type reading struct {
	snap    auth.MetricsSnapshot
	dropped uint64
}

// binding ties an observable instrument to the value it reports.
type binding struct {
	instrument metric.Int64Observable
	value      func(r *reading) int64
}

// Exporter publishes coordinator metrics as observable instruments. Keep
// it until Close; the meter stops calling back after that.
type Exporter struct {
	registration metric.Registration
}

func New(meter metric.Meter, c *auth.Coordinator) (*Exporter, error) {
	if c == nil {
		return nil, ErrNilSource
	}
	return NewFromSource(meter, c)
}

// NewFromSource creates one observable counter per core counter, one gauge
// per cumulative latency bucket plus a count gauge, and a counter for
// dropped audit events.
func NewFromSource(meter metric.Meter, source Source) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	var bindings []binding
	counter := func(name, help string, value func(*reading) int64) error {
		ins, err := meter.Int64ObservableCounter(name, metric.WithDescription(help))
		if err != nil {
			return fmt.Errorf("counter %s: %w", name, err)
		}
		bindings = append(bindings, binding{instrument: ins, value: value})
		return nil
	}
	gauge := func(name, help string, value func(*reading) int64) error {
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription(help))
		if err != nil {
			return fmt.Errorf("gauge %s: %w", name, err)
		}
		bindings = append(bindings, binding{instrument: ins, value: value})
		return nil
	}

	for _, def := range internaldefs.CounterDefs {
		id := def.ID
		if err := counter(def.Name, def.Help, func(r *reading) int64 {
			return int64(r.snap.Counters[id])
		}); err != nil {
			return nil, err
		}
	}
	for _, def := range internaldefs.HistogramDefs {
		id := def.ID
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			if err := gauge(def.Name+"_bucket_le_"+suffix, "Requests at or under "+internaldefs.HistogramBounds[i]+"s.", func(r *reading) int64 {
				return int64(cumulative(r, id)[i])
			}); err != nil {
				return nil, err
			}
		}
		if err := gauge(def.Name+"_count", "Requests observed.", func(r *reading) int64 {
			b := cumulative(r, id)
			return int64(b[len(b)-1])
		}); err != nil {
			return nil, err
		}
	}
	if err := counter(internaldefs.AuditDroppedName, "Audit events that never reached the sink.", func(r *reading) int64 {
		return int64(r.dropped)
	}); err != nil {
		return nil, err
	}

	observables := make([]metric.Observable, len(bindings))
	for i, b := range bindings {
		observables[i] = b.instrument
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		r := &reading{snap: source.MetricsSnapshot(), dropped: source.AuditDropped()}
		for _, b := range bindings {
			o.ObserveInt64(b.instrument, b.value(r))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return &Exporter{registration: reg}, nil
}

func cumulative(r *reading, id auth.MetricID) [8]uint64 {
	return internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(r.snap.Histograms[id]))
}

// Close unregisters the callback. Instruments stay with the meter.
func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
