package event

import (
	"fmt"

	"github.com/Docfold-Labs/docfold/internal/run"
)

// Apply interprets one normalized event into run store mutations.
//
// Effect table:
//
//	progress         append payload to progress; replace usage when present
//	clarification    status=awaiting-input, clarification=payload
//	complete         status=completed, result=artifact, metadata/usage if present
//	pending-approval status=pending-approval, plan=payload plan, approvalUrl set
//	error            status=failed, error=message
//
// Records in a terminal state ignore every subsequent event, so a late error
// can never clobber a completed run's result.
func Apply(store *run.Store, ev Event) (*run.Record, error) {
	rec, err := store.Get(ev.RunID)
	if err != nil {
		return nil, fmt.Errorf("apply %s event: %w", ev.Type, err)
	}

	if rec.Status.Terminal() {
		return rec, nil
	}

	var update run.Update

	switch ev.Type {
	case TypeProgress:
		update.ProgressAppend = ev.Payload
		if ev.Usage != nil {
			update.Usage = ev.Usage
		}
		// The first event of a span promotes a still-pending run
		if rec.Status == run.StatusPending {
			status := run.StatusRunning
			update.Status = &status
		}

	case TypeClarification:
		status := run.StatusAwaitingInput
		update.Status = &status
		update.Clarification = ev.Payload

	case TypeComplete:
		status := run.StatusCompleted
		update.Status = &status
		update.Result = ev.Artifact
		if ev.Metadata != nil {
			update.Metadata = ev.Metadata
		}
		if ev.Usage != nil {
			update.Usage = ev.Usage
		}

	case TypePendingApproval:
		status := run.StatusPendingApproval
		update.Status = &status
		if ev.Plan != nil {
			update.Plan = ev.Plan
		}
		url := ApprovalURL(ev.RunID, ev.StepID)
		update.ApprovalURL = &url
		if ev.Mode != "" {
			mode := ev.Mode
			update.ApprovalMode = &mode
		}

	case TypeError:
		status := run.StatusFailed
		update.Status = &status
		msg := ev.Message
		update.Error = &msg

	default:
		return rec, nil
	}

	return store.ApplyUpdate(ev.RunID, update)
}

// ApprovalURL builds the checkpoint-specific approval path for a run. An
// empty step id addresses the plan-level checkpoint.
func ApprovalURL(runID, stepID string) string {
	if stepID == "" {
		return fmt.Sprintf("/runs/%s/approval", runID)
	}
	return fmt.Sprintf("/runs/%s/approval?step=%s", runID, stepID)
}
