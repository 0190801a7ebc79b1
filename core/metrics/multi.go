package metrics

import "errors"

// MultiSink fans out records to multiple sinks. Every sink is called even
// when an earlier one fails; the errors are joined.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordDispatch(ev DispatchEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordDispatch(ev))
	}
	return errors.Join(errs...)
}

// RecordAccept forwards to sinks implementing AcceptRecorder.
func (m *MultiSink) RecordAccept(ev AcceptEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(AcceptRecorder); ok {
			errs = append(errs, r.RecordAccept(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordDelivery forwards to sinks implementing DeliveryRecorder.
func (m *MultiSink) RecordDelivery(ev DeliveryEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(DeliveryRecorder); ok {
			errs = append(errs, r.RecordDelivery(ev))
		}
	}
	return errors.Join(errs...)
}

// RecordPresence forwards to sinks implementing PresenceRecorder.
func (m *MultiSink) RecordPresence(ev PresenceEvent) error {
	var errs []error
	for _, s := range m.Sinks {
		if r, ok := s.(PresenceRecorder); ok {
			errs = append(errs, r.RecordPresence(ev))
		}
	}
	return errors.Join(errs...)
}
