package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "sagaflow.saga"

const (
	spanSagaExecute        = "saga.execute"
	spanSagaStepForward    = "saga.step.forward"
	spanSagaStepCompensate = "saga.step.compensate"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}

func sagaAttributes(ec *ExecutionContext) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.id", ec.ID),
		attribute.String("saga.type", ec.Type),
	}
}

func stepAttributes(name string, index, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.step", name),
		attribute.Int("saga.step.index", index),
		attribute.Int("saga.step.attempt", attempt),
	}
}
