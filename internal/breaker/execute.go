package breaker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"orbit/internal/domain"
)

var tracer = otel.Tracer("orbit/breaker")

// Protect runs operation against adapterName through the breaker's
// admission check and a RetryPolicy, recording success/failure against
// the breaker's per-adapter state. It implements the "wraps the adapter
// call via C7" requirement shared by the C9 Context Retrieval step and
// the parallel executor below.
func (m *Manager) Protect(ctx context.Context, adapterName string, policy RetryPolicy, operation func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "breaker.protect", trace.WithAttributes(attribute.String("adapter_name", adapterName)))
	defer span.End()

	if !m.Allow(adapterName) {
		err := domain.NewCircuitOpenError(adapterName, m.cfg.RecoveryTimeout)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return err
	}

	start := time.Now()
	err := policy.Execute(ctx, operation)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))

	if err != nil {
		m.RecordFailure(adapterName, duration, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.RecordSuccess(adapterName, duration)
	return nil
}

// AdapterCall is one federated-search target for the parallel executor.
type AdapterCall struct {
	AdapterName string
	Run         func(ctx context.Context) (any, error)
}

// CallOutcome is one AdapterCall's result.
type CallOutcome struct {
	AdapterName string
	Result      any
	Err         error
}

// ParallelExecutor implements §4.7's parallel executor: it wraps each
// adapter call in its own breaker and gathers (successes, failures)
// without failing the whole batch on any single adapter's error.
// Grounded on the composite retriever's errgroup.WithContext fan-out,
// generalized here from "search N template stores" to "call N adapters".
type ParallelExecutor struct {
	Breaker *Manager
	Policy  RetryPolicy
}

func NewParallelExecutor(breaker *Manager, policy RetryPolicy) *ParallelExecutor {
	return &ParallelExecutor{Breaker: breaker, Policy: policy}
}

// Run executes every call concurrently and returns one CallOutcome per
// call, in the same order as calls. A failing or breaker-open call never
// cancels its siblings.
func (pe *ParallelExecutor) Run(ctx context.Context, calls []AdapterCall) []CallOutcome {
	outcomes := make([]CallOutcome, len(calls))
	group, gctx := errgroup.WithContext(ctx)

	for i, call := range calls {
		i, call := i, call
		group.Go(func() error {
			var result any
			err := pe.Breaker.Protect(gctx, call.AdapterName, pe.Policy, func(ctx context.Context) error {
				r, runErr := call.Run(ctx)
				result = r
				return runErr
			})
			outcomes[i] = CallOutcome{AdapterName: call.AdapterName, Result: result, Err: err}
			return nil
		})
	}

	_ = group.Wait()
	return outcomes
}

// Split partitions outcomes into successes and failures for callers that
// want the §4.7 `(successes, failures)` shape directly.
func Split(outcomes []CallOutcome) (successes, failures []CallOutcome) {
	for _, o := range outcomes {
		if o.Err == nil {
			successes = append(successes, o)
		} else {
			failures = append(failures, o)
		}
	}
	return successes, failures
}
