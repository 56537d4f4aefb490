package qemu

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the OTel instruments for a Qemu backend. All methods are
// nil-safe: a Qemu with no configured meter simply skips recording.
type Metrics struct {
	instantiateDuration  metric.Float64Histogram
	suspendDuration      metric.Float64Histogram
	resumeDuration       metric.Float64Histogram
	prepReceiveDuration  metric.Float64Histogram
	migrateDuration      metric.Float64Histogram
	receiveDuration      metric.Float64Histogram
	stateTransitions     metric.Int64Counter
	monitorCommandErrors metric.Int64Counter

	tracer trace.Tracer
}

func newMetrics(meter metric.Meter, tracer trace.Tracer, q *Qemu) (*Metrics, error) {
	instantiateDuration, err := meter.Float64Histogram(
		"vmcore_instantiate_duration_seconds",
		metric.WithDescription("Duration of InstantiateVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create instantiate histogram: %w", err)
	}

	suspendDuration, err := meter.Float64Histogram(
		"vmcore_suspend_duration_seconds",
		metric.WithDescription("Duration of SuspendVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create suspend histogram: %w", err)
	}

	resumeDuration, err := meter.Float64Histogram(
		"vmcore_resume_duration_seconds",
		metric.WithDescription("Duration of ResumeVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resume histogram: %w", err)
	}

	prepReceiveDuration, err := meter.Float64Histogram(
		"vmcore_prep_receive_duration_seconds",
		metric.WithDescription("Duration of PrepReceiveVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prep-receive histogram: %w", err)
	}

	migrateDuration, err := meter.Float64Histogram(
		"vmcore_migrate_duration_seconds",
		metric.WithDescription("Duration of MigrateVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create migrate histogram: %w", err)
	}

	receiveDuration, err := meter.Float64Histogram(
		"vmcore_receive_duration_seconds",
		metric.WithDescription("Duration of ReceiveVM calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("create receive histogram: %w", err)
	}

	stateTransitions, err := meter.Int64Counter(
		"vmcore_state_transitions_total",
		metric.WithDescription("Count of VM state transitions: migrating (MigrateVM start) and Exited (reported to the node manager)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create state transition counter: %w", err)
	}

	monitorCommandErrors, err := meter.Int64Counter(
		"vmcore_monitor_command_errors_total",
		metric.WithDescription("Count of monitor dialogue failures (timeout or early EOF)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create monitor error counter: %w", err)
	}

	vmsTotal, err := meter.Int64ObservableGauge(
		"vmcore_vms_total",
		metric.WithDescription("Number of VMs currently controlled by this supervisor"),
	)
	if err != nil {
		return nil, fmt.Errorf("create vms-total gauge: %w", err)
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(vmsTotal, int64(q.table.Len()))
			return nil
		},
		vmsTotal,
	)
	if err != nil {
		return nil, fmt.Errorf("register vms-total callback: %w", err)
	}

	return &Metrics{
		instantiateDuration:  instantiateDuration,
		suspendDuration:      suspendDuration,
		resumeDuration:       resumeDuration,
		prepReceiveDuration:  prepReceiveDuration,
		migrateDuration:      migrateDuration,
		receiveDuration:      receiveDuration,
		stateTransitions:     stateTransitions,
		monitorCommandErrors: monitorCommandErrors,
		tracer:               tracer,
	}, nil
}

func (q *Qemu) recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, status string) {
	if q.metrics == nil || histogram == nil {
		return
	}
	histogram.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (q *Qemu) recordInstantiate(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.instantiateDuration, start, statusOf(err))
}

func (q *Qemu) recordSuspend(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.suspendDuration, start, statusOf(err))
}

func (q *Qemu) recordResume(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.resumeDuration, start, statusOf(err))
}

func (q *Qemu) recordPrepReceive(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.prepReceiveDuration, start, statusOf(err))
}

func (q *Qemu) recordMigrate(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.migrateDuration, start, statusOf(err))
}

func (q *Qemu) recordReceive(ctx context.Context, start time.Time, err error) {
	if q.metrics == nil {
		return
	}
	q.recordDuration(ctx, q.metrics.receiveDuration, start, statusOf(err))
}

func (q *Qemu) recordStateTransition(ctx context.Context, toState string) {
	if q.metrics == nil {
		return
	}
	q.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", toState)))
}

func (q *Qemu) recordMonitorError(ctx context.Context, kind string) {
	if q.metrics == nil {
		return
	}
	q.metrics.monitorCommandErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// startSpan starts a span named op if tracing is configured, otherwise
// returns the input context unchanged and a no-op end func.
func (q *Qemu) startSpan(ctx context.Context, op string) (context.Context, func()) {
	if q.metrics == nil || q.metrics.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := q.metrics.tracer.Start(ctx, op)
	return ctx, func() { span.End() }
}
