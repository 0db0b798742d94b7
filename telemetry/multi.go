package telemetry

import "time"

type multiMetrics []Metrics

// MultiMetrics returns a Metrics recorder forwarding every call to each of
// ms. Nil entries are skipped.
func MultiMetrics(ms ...Metrics) Metrics {
	out := make(multiMetrics, 0, len(ms))
	for _, m := range ms {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm multiMetrics) IncCounter(name string, value float64, tags ...string) {
	for _, m := range mm {
		m.IncCounter(name, value, tags...)
	}
}

func (mm multiMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	for _, m := range mm {
		m.RecordTimer(name, duration, tags...)
	}
}

func (mm multiMetrics) RecordGauge(name string, value float64, tags ...string) {
	for _, m := range mm {
		m.RecordGauge(name, value, tags...)
	}
}
