package recorder

import (
	"context"
	"errors"
)

// MultiRecorder fans every event out to all recorders and joins their errors.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

func (m *MultiRecorder) RecordObservation(ctx context.Context, evt *ObservationEvent) error {
	return m.each(func(r Recorder) error { return r.RecordObservation(ctx, evt) })
}

func (m *MultiRecorder) RecordTrigger(ctx context.Context, evt *TriggerEvent) error {
	return m.each(func(r Recorder) error { return r.RecordTrigger(ctx, evt) })
}

func (m *MultiRecorder) RecordNotification(ctx context.Context, evt *NotificationEvent) error {
	return m.each(func(r Recorder) error { return r.RecordNotification(ctx, evt) })
}

func (m *MultiRecorder) Close() error {
	return m.each(func(r Recorder) error { return r.Close() })
}

func (m *MultiRecorder) each(fn func(Recorder) error) error {
	var errs []error
	for _, r := range m.recorders {
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
