package pipeline

import "context"

// Pipeline exposes both tasks behind the trigger contract.
type Pipeline struct {
	ingester *Ingester
	loader   *Loader
}

// New creates a Pipeline.
func New(ingester *Ingester, loader *Loader) *Pipeline {
	return &Pipeline{ingester: ingester, loader: loader}
}

// RunIngest runs one ingest cycle.
func (p *Pipeline) RunIngest(ctx context.Context) Report {
	return p.ingester.Run(ctx)
}

// RunLoad runs one load cycle.
func (p *Pipeline) RunLoad(ctx context.Context) Report {
	return p.loader.Run(ctx)
}

// RunCycle runs ingest and, only when it succeeded, load. Every report
// produced is returned in order.
func (p *Pipeline) RunCycle(ctx context.Context) []Report {
	ingest := p.RunIngest(ctx)
	if ingest.Outcome != OutcomeSuccess {
		return []Report{ingest}
	}
	return []Report{ingest, p.RunLoad(ctx)}
}
