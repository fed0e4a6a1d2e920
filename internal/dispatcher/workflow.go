package dispatcher

import (
	"fmt"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// SubmitWorkflow creates a composite parent plus one child job per step. In
// sequential mode each step depends on the one before it; parallel and batch
// leave the steps independent. The parent completes only after every child
// does, via the per-tick composite evaluation.
func (d *Dispatcher) SubmitWorkflow(ctx domain.Context, name string, mode domain.ExecutionMode, steps []domain.JobSubmission) (domain.Job, []domain.Job, error) {
	if len(steps) == 0 {
		return domain.Job{}, nil, fmt.Errorf("op=dispatcher.workflow: no steps: %w", domain.ErrInvalidArgument)
	}
	switch mode {
	case domain.ModeSequential, domain.ModeParallel, domain.ModeBatch:
	case "":
		mode = domain.ModeSequential
	default:
		return domain.Job{}, nil, fmt.Errorf("op=dispatcher.workflow: mode %q: %w", mode, domain.ErrInvalidArgument)
	}

	parent, err := d.q.Submit(ctx, domain.JobSubmission{
		Name:          name,
		Type:          domain.JobTypeWorkflow,
		ExecutionMode: mode,
	})
	if err != nil {
		return domain.Job{}, nil, err
	}

	children := make([]domain.Job, 0, len(steps))
	var prevID string
	for i, step := range steps {
		step.ParentJobID = &parent.ID
		if mode == domain.ModeSequential && prevID != "" {
			step.Dependencies = append(append([]string(nil), step.Dependencies...), prevID)
		}
		child, err := d.q.Submit(ctx, step)
		if err != nil {
			// Abandon the half-built workflow.
			_ = d.q.FailTerminal(ctx, parent, fmt.Sprintf("workflow step %d: %v", i, err))
			return domain.Job{}, children, fmt.Errorf("op=dispatcher.workflow: step %d: %w", i, err)
		}
		children = append(children, child)
		prevID = child.ID
	}

	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	parent.Payload.ChildJobs = ids
	if err := d.jobs.UpdatePayload(ctx, parent.ID, parent.Payload); err != nil {
		_ = d.q.FailTerminal(ctx, parent, fmt.Sprintf("workflow bookkeeping: %v", err))
		return domain.Job{}, children, fmt.Errorf("op=dispatcher.workflow: %w", err)
	}
	return parent, children, nil
}
