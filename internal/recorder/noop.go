package recorder

import "context"

// NoopRecorder is a no-op implementation used when no journal is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordObservation(context.Context, *ObservationEvent) error   { return nil }
func (n *NoopRecorder) RecordTrigger(context.Context, *TriggerEvent) error           { return nil }
func (n *NoopRecorder) RecordNotification(context.Context, *NotificationEvent) error { return nil }
func (n *NoopRecorder) Close() error                                                 { return nil }
