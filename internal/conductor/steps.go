package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/model"
)

// collectCleanSteps gathers cleaning steps from every capability that
// provides them, drops disabled steps (priority 0) and orders the rest
// by descending priority.
func collectCleanSteps(ctx context.Context, t *task) ([]model.CleanStep, error) {
	var steps []model.CleanStep

	for _, provider := range stepProviders(t.bundle) {
		providerSteps, err := provider.CleanSteps(ctx, t.node)
		if err != nil {
			return nil, fmt.Errorf("failed to collect clean steps: %w", err)
		}
		for _, step := range providerSteps {
			if step.Priority == 0 {
				continue
			}
			steps = append(steps, step)
		}
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Priority > steps[j].Priority
	})
	return steps, nil
}

// stepProviders returns the bundle interfaces contributing clean
// steps, deploy first as its steps carry the disk-sanitization work.
func stepProviders(bundle *driver.Bundle) []driver.CleanStepProvider {
	var providers []driver.CleanStepProvider
	if p, ok := bundle.Deploy.(driver.CleanStepProvider); ok {
		providers = append(providers, p)
	}
	if p, ok := bundle.Management.(driver.CleanStepProvider); ok {
		providers = append(providers, p)
	}
	return providers
}

// executeCleanStep dispatches one step to the provider owning its
// interface.
func executeCleanStep(ctx context.Context, t *task, step model.CleanStep) (bool, error) {
	var provider driver.CleanStepProvider
	switch step.Interface {
	case "deploy":
		provider, _ = t.bundle.Deploy.(driver.CleanStepProvider)
	case "management":
		provider, _ = t.bundle.Management.(driver.CleanStepProvider)
	}
	if provider == nil {
		return false, fmt.Errorf("no %s interface provides clean step %s", step.Interface, step.Name)
	}
	return provider.ExecuteCleanStep(ctx, t.node, step)
}

// runCleaning executes the ordered step sequence starting at
// fromIndex. A step failure halts the sequence and fails the node; no
// automatic retry of a failed sequence happens, the operator must
// re-issue manage. Steps that delegate to an out-of-band agent park
// the node in clean wait with the cursor recorded.
func (s *service) runCleaning(ctx context.Context, t *task, verb string, fromIndex int) {
	steps, err := collectCleanSteps(ctx, t)
	if err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	for i := fromIndex; i < len(steps); i++ {
		step := steps[i]

		if s.abortRequested(t.node.UUID) {
			s.finishFailure(ctx, t, verb, fmt.Errorf("cleaning aborted before step %s", step.Name))
			return
		}

		t.node.CurrentStep = step.Name
		t.node.StepIndex = i
		if err := s.saveNode(ctx, t.node); err != nil {
			s.logger.Error("failed to persist step cursor",
				slog.String("node", t.node.UUID),
				slog.String("error", err.Error()),
			)
			return
		}

		var wait bool
		err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
			var callErr error
			wait, callErr = executeCleanStep(ctx, t, step)
			return callErr
		})
		if err != nil {
			s.finishFailure(ctx, t, verb, fmt.Errorf("clean step %s failed: %w", step.Name, err))
			return
		}

		s.logger.Debug("clean step finished",
			slog.String("node", t.node.UUID),
			slog.String("step", step.Name),
			slog.Int("priority", step.Priority),
		)

		if wait {
			s.park(ctx, t, step.Name, i)
			return
		}
	}

	target := t.node.TargetProvisionState
	s.finishSuccess(ctx, t, verb, cleaningOutcome(target))
}

// cleaningOutcome maps the recorded target state to the stable state
// cleaning completes into: the provide path continues to available,
// manual cleaning returns to manageable.
func cleaningOutcome(target string) string {
	if target == model.Available {
		return model.Available
	}
	return model.Manageable
}
