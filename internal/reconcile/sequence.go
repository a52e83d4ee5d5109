package reconcile

import (
	"fmt"

	"github.com/agentsight/tracecollector/internal/runs"
)

// sequenceViolation describes why an incoming patch cannot be applied to an
// existing run yet (§4.4.2: Message-Sequence Validation). The update is
// deferred, not rejected: it replays once the run reaches the state it
// expects.
type sequenceViolation struct {
	reason string
}

func (v *sequenceViolation) Error() string {
	return v.reason
}

// validateSequence checks patch against existing per §4.4.2's rules:
//
//  1. end_time arriving before a start_time is known is out of order.
//  2. outputs arriving before a start_time is known is out of order.
//  3. a patch that would complete the run (end_time+outputs present,
//     counting fields already on existing) must leave name/run_type/
//     start_time all resolved; otherwise it is out of order.
//
// Returns nil when the patch may be applied immediately.
func validateSequence(existing *runs.Run, patch *runs.Patch) error {
	if patch.HasEndTime && existing.StartTime.IsZero() {
		return &sequenceViolation{reason: "end_time arrived before start_time is known"}
	}

	if patch.HasOutputs && existing.StartTime.IsZero() {
		return &sequenceViolation{reason: "outputs arrived before start_time is known"}
	}

	endTimePresent := patch.HasEndTime || existing.EndTime != nil
	outputsPresent := patch.HasOutputs || existing.Outputs != nil

	if !endTimePresent || !outputsPresent {
		return nil
	}

	name := existing.Name
	if patch.HasName {
		name = *patch.Name
	}

	runType := existing.RunType
	if patch.HasRunType {
		runType = *patch.RunType
	}

	startTime := existing.StartTime
	if patch.HasStartTime {
		startTime = *patch.StartTime
	}

	if name == "" || runType == "" || startTime.IsZero() {
		return &sequenceViolation{reason: fmt.Sprintf(
			"completion patch missing identifying fields (name=%q run_type=%q start_time_zero=%v)",
			name, runType, startTime.IsZero(),
		)}
	}

	return nil
}

// nextStatus applies §4.4.3's status-transition rule, first-match-wins, and
// refuses to downgrade a terminal run back to running (§12): a
// running-only patch against an already-terminal run is silently dropped
// from the status computation (the rest of the patch, e.g. tag or extra
// additions, still applies).
func nextStatus(existing *runs.Run, patch *runs.Patch) runs.Status {
	hasError := patch.HasError || existing.Error != nil
	hasEndTime := patch.HasEndTime || existing.EndTime != nil
	hasOutputs := patch.HasOutputs || existing.Outputs != nil

	derived := runs.DeriveStatus(hasError, hasEndTime, hasOutputs, existing.Status)

	if existing.Status.IsTerminal() && derived == runs.StatusRunning {
		return existing.Status
	}

	return derived
}

// validateStatusConsistency re-derives status from the fully-merged run and
// returns the corrected status if it disagrees with what was persisted
// (§4.4.4). It never downgrades a terminal status back to running.
func validateStatusConsistency(run *runs.Run) runs.Status {
	hasError := run.Error != nil
	hasEndTime := run.EndTime != nil
	hasOutputs := run.Outputs != nil

	derived := runs.DeriveStatus(hasError, hasEndTime, hasOutputs, run.Status)

	if run.Status.IsTerminal() && derived == runs.StatusRunning {
		return run.Status
	}

	return derived
}
