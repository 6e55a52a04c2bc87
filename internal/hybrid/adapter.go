package hybrid

import (
	"context"

	"github.com/yungbote/telemetry-stager/internal/pipeline"
)

// PipelineFlow adapts *pipeline.Pipeline to FlowRunner, mapping a
// model.CycleOutcome into the FlowResult shape the controller compares
// across flows.
type PipelineFlow struct {
	Pipeline *pipeline.Pipeline
}

func (f PipelineFlow) RunCycle(ctx context.Context) FlowResult {
	outcome := f.Pipeline.RunCycle(ctx)
	res := FlowResult{
		Success:          outcome.Success,
		ProcessingMS:     outcome.ProcessingMS,
		RecordsProcessed: outcome.TotalRecords,
	}
	if !outcome.Success {
		res.Err = &cycleFailure{reason: outcome.Reason}
	}
	return res
}

type cycleFailure struct{ reason string }

func (e *cycleFailure) Error() string { return "cycle failed: " + e.reason }

// SimulationLegacyFlow stands in for the legacy direct path (spec's own
// open question: whether legacy needs the new path's atomic drain is left
// to integration). It is the same kind of in-memory stand-in as
// objectstore.SimulationAdapter and warehouse.SimulationClient: a plain
// Go value satisfying the production interface, used for wiring this
// controller end-to-end before a real legacy adapter exists; cmd/stager
// wires it as the legacy flow in every mode, simulation or not.
type SimulationLegacyFlow struct {
	// RecordsPerCycle is returned as RecordsProcessed on every call.
	RecordsPerCycle int
	// FixedLatencyMS is returned as ProcessingMS on every call.
	FixedLatencyMS int64
}

func (f SimulationLegacyFlow) RunCycle(_ context.Context) FlowResult {
	return FlowResult{Success: true, ProcessingMS: f.FixedLatencyMS, RecordsProcessed: f.RecordsPerCycle}
}

var (
	_ FlowRunner = PipelineFlow{}
	_ FlowRunner = SimulationLegacyFlow{}
)
