package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all herder metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	AgentsCreated     metric.Int64Counter
	AgentsRemoved     metric.Int64Counter
	IdentitySteals    metric.Int64Counter
	TasksStarted      metric.Int64Counter
	TasksStopped      metric.Int64Counter
	SweepDuration     metric.Float64Histogram
	SweepItemFailures metric.Int64Counter
	ChainReadFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("herder.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationErrors, err = meter.Int64Counter("herder.operation.errors",
		metric.WithDescription("Lifecycle operation error count"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsCreated, err = meter.Int64Counter("herder.agents.created",
		metric.WithDescription("Agents created"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsRemoved, err = meter.Int64Counter("herder.agents.removed",
		metric.WithDescription("Agents marked removed"),
	)
	if err != nil {
		return nil, err
	}

	m.IdentitySteals, err = meter.Int64Counter("herder.identity.steals",
		metric.WithDescription("Prior agents deactivated because a new agent claimed their identity"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("herder.tasks.started",
		metric.WithDescription("Orchestrator start calls that returned a task handle"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStopped, err = meter.Int64Counter("herder.tasks.stopped",
		metric.WithDescription("Task mappings marked STOPPED by event sync"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("herder.sweep.duration",
		metric.WithDescription("Reconciliation sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepItemFailures, err = meter.Int64Counter("herder.sweep.item_failures",
		metric.WithDescription("Per-item failures recovered during sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainReadFailures, err = meter.Int64Counter("herder.chain.read_failures",
		metric.WithDescription("On-chain finalized() reads that errored (treated as not finalized)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
