package lifecycle

import (
	"context"

	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/metrics"
)

// Orchestrator is the decision entry point used by callers. It resolves
// requests and records every decision.
type Orchestrator struct {
	resolver *Resolver
	logger   logging.Logger
	metrics  metrics.Recorder
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithTable(t *Table) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.resolver = NewResolver(t)
		}
	}
}

func WithLogger(l logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = metrics.Normalize(r)
	}
}

// NewOrchestrator builds an orchestrator over the default table unless
// WithTable is given.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		resolver: NewResolver(nil),
		logger:   logging.Discard(),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Table returns the allow-table in use.
func (o *Orchestrator) Table() *Table {
	return o.resolver.Table()
}

// Decide resolves req. Only programmer errors are returned as errors.
func (o *Orchestrator) Decide(ctx context.Context, req Request) (Decision, error) {
	log := logging.With(o.logger.WithContext(ctx), map[string]any{
		"report_id": req.ReportID,
		"intent":    string(req.Intent),
		"actor_id":  req.Actor.ID,
		"state":     req.CurrentState.String(),
	})

	decision, err := o.resolver.Resolve(req)
	if err != nil {
		log.Error("lifecycle request rejected: %v", err)
		return Decision{}, err
	}

	o.metrics.RecordDecision(ctx, string(req.Intent), decision.Allowed)
	if !decision.Allowed {
		log.Info("intent denied: %s", decision.Reason)
		return decision, nil
	}
	log.Info("intent allowed: %s -> %s with %d effects",
		decision.PreviousState, decision.ResultingState(), len(decision.Effects))
	return decision, nil
}
