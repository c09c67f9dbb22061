package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	claimsCounter       metric.Int64Counter
	sweptLeasesCounter  metric.Int64Counter
	messageOpsCounter   metric.Int64Counter
	deadLettersCounter  metric.Int64Counter
	roleTurnsCounter    metric.Int64Counter
	roleTurnDuration    metric.Float64Histogram
	sseEventsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		claimsCounter, err = m.Int64Counter("crew_lease_claims_total", metric.WithDescription("Lease claim attempts by outcome (won/lost)"))
		if err != nil {
			return
		}
		sweptLeasesCounter, err = m.Int64Counter("crew_leases_swept_total", metric.WithDescription("Stale leases cleared by the maintenance sweep"))
		if err != nil {
			return
		}
		messageOpsCounter, err = m.Int64Counter("crew_message_operations_total", metric.WithDescription("Message bus operations (send, process, retry, resurrect)"))
		if err != nil {
			return
		}
		deadLettersCounter, err = m.Int64Counter("crew_dead_letters_total", metric.WithDescription("Messages quarantined after exhausting retries"))
		if err != nil {
			return
		}
		roleTurnsCounter, err = m.Int64Counter("crew_role_turns_total", metric.WithDescription("Role agent turns executed"))
		if err != nil {
			return
		}
		roleTurnDuration, err = m.Float64Histogram("crew_role_turn_duration_seconds", metric.WithDescription("Role agent turn duration in seconds"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("crew_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("crew_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordClaim records one claim attempt. outcome is "won" or "lost".
func RecordClaim(ctx context.Context, agent, outcome string) {
	if claimsCounter == nil {
		return
	}
	claimsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrAgent.String(agent),
		AttrOutcome.String(outcome),
	))
}

// RecordSweep records leases cleared by one sweep pass.
func RecordSweep(ctx context.Context, n int64) {
	if sweptLeasesCounter != nil {
		sweptLeasesCounter.Add(ctx, n)
	}
}

// RecordMessageOp records a message bus operation (send, process, retry, resurrect).
func RecordMessageOp(ctx context.Context, op, msgType string) {
	if messageOpsCounter == nil {
		return
	}
	messageOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrMsgType.String(msgType),
	))
}

// RecordDeadLetter records one message quarantined at the retry ceiling.
func RecordDeadLetter(ctx context.Context, msgType string) {
	if deadLettersCounter != nil {
		deadLettersCounter.Add(ctx, 1, metric.WithAttributes(AttrMsgType.String(msgType)))
	}
}

// RecordRoleTurn records one role agent turn and its duration.
func RecordRoleTurn(ctx context.Context, role, agent string, duration time.Duration) {
	if roleTurnsCounter != nil {
		roleTurnsCounter.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role), AttrAgent.String(agent)))
	}
	if roleTurnDuration != nil {
		roleTurnDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrRole.String(role), AttrAgent.String(agent)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// ItemCountFunc returns (backlog, ready, inProgress, review, done) counts.
type ItemCountFunc func() (backlog, ready, inProgress, review, done int64)

// InitMetricsWithItemCount creates instruments and optionally registers a callback
// for the work item gauge. If itemCount is nil, the gauge is not reported.
func InitMetricsWithItemCount(ctx context.Context, itemCount ItemCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if itemCount == nil {
		return nil
	}
	m := Meter()
	itemsGauge, err := m.Float64ObservableGauge("crew_work_items_total", metric.WithDescription("Number of work items by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		backlog, ready, inProgress, review, done := itemCount()
		o.ObserveFloat64(itemsGauge, float64(backlog), metric.WithAttributes(AttrStatus.String("backlog")))
		o.ObserveFloat64(itemsGauge, float64(ready), metric.WithAttributes(AttrStatus.String("ready")))
		o.ObserveFloat64(itemsGauge, float64(inProgress), metric.WithAttributes(AttrStatus.String("in_progress")))
		o.ObserveFloat64(itemsGauge, float64(review), metric.WithAttributes(AttrStatus.String("review")))
		o.ObserveFloat64(itemsGauge, float64(done), metric.WithAttributes(AttrStatus.String("done")))
		return nil
	}, itemsGauge)
	return err
}
