package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalgrid/conductor/internal/fsm"
	"github.com/metalgrid/conductor/internal/metrics"
	"github.com/metalgrid/conductor/internal/model"
)

// ChangeProvisionState applies a provisioning verb. Verb legality and
// lease acquisition are checked synchronously; everything else runs in
// the background and reports through the node's provision state and
// last_error. Callers poll the node to observe the outcome.
func (s *service) ChangeProvisionState(ctx context.Context, ident, verb string) error {
	t, err := s.acquire(ctx, ident)
	if err != nil {
		return err
	}

	tr, err := fsm.Process(t.node.ProvisionState, verb)
	if err != nil {
		s.release(t)
		return err
	}

	s.logger.Info("provision state change accepted",
		slog.String("node", t.node.UUID),
		slog.String("verb", verb),
		slog.String("from", t.node.ProvisionState),
		slog.String("to", tr.To),
	)

	if verb == model.VerbAbort {
		s.spawn(t, func(ctx context.Context) {
			s.doAbort(ctx, t, tr.To)
		})
		return nil
	}

	// A stale abort flag from a previous operation must not cancel
	// this one.
	s.clearAbort(t.node.UUID)

	t.node.ProvisionState = tr.To
	t.node.TargetProvisionState = tr.Target
	t.node.LastError = ""
	t.node.CurrentStep = ""
	t.node.StepIndex = 0
	t.node.ProvisionUpdatedAt = time.Now()
	if err := s.saveNode(ctx, t.node); err != nil {
		s.release(t)
		return err
	}

	s.spawn(t, func(ctx context.Context) {
		s.runWorkflow(ctx, t, verb)
	})
	return nil
}

// Resume continues a node parked in a wait state, invoked when the
// out-of-band agent reports its delegated work complete, or by a new
// lease holder taking over after a crash.
func (s *service) Resume(ctx context.Context, ident string) error {
	t, err := s.acquire(ctx, ident)
	if err != nil {
		return err
	}

	next, ok := fsm.Resume(t.node.ProvisionState)
	if !ok {
		s.release(t)
		return &model.InvalidStateError{Verb: "resume", State: t.node.ProvisionState}
	}

	from := t.node.ProvisionState
	t.node.ProvisionState = next
	t.node.ProvisionUpdatedAt = time.Now()
	if err := s.saveNode(ctx, t.node); err != nil {
		s.release(t)
		return err
	}

	s.logger.Info("resuming parked operation",
		slog.String("node", t.node.UUID),
		slog.String("from", from),
		slog.String("state", next),
	)

	s.spawn(t, func(ctx context.Context) {
		switch next {
		case model.Cleaning:
			// The parked step completed out of band; continue with the
			// one after it.
			s.runCleaning(ctx, t, "resume", t.node.StepIndex+1)
		case model.Deploying:
			s.finishDeploy(ctx, t, "resume")
		}
	})
	return nil
}

// runWorkflow executes the background half of a provisioning verb.
// The task's lease is released by the caller when this returns.
func (s *service) runWorkflow(ctx context.Context, t *task, verb string) {
	switch t.node.ProvisionState {
	case model.Verifying:
		s.doVerify(ctx, t, verb)
	case model.Cleaning:
		s.doClean(ctx, t, verb)
	case model.Deploying:
		s.doDeploy(ctx, t, verb)
	case model.Deleting:
		s.doTeardown(ctx, t, verb)
	case model.Inspecting:
		s.doInspect(ctx, t, verb)
	case model.Adopting:
		s.doAdopt(ctx, t, verb)
	}
}

// recoverWorkflow re-runs the interrupted operation of a node whose
// previous lease holder died. The in-flight step was marked incomplete
// by the crash, so execution restarts at the recorded cursor.
func (s *service) recoverWorkflow(ctx context.Context, t *task) {
	switch t.node.ProvisionState {
	case model.Verifying:
		s.doVerify(ctx, t, "recover")
	case model.Cleaning:
		s.runCleaning(ctx, t, "recover", t.node.StepIndex)
	case model.Deploying:
		s.doDeploy(ctx, t, "recover")
	case model.Deleting:
		s.doTeardown(ctx, t, "recover")
	case model.Inspecting:
		s.doInspect(ctx, t, "recover")
	case model.Adopting:
		s.doAdopt(ctx, t, "recover")
	}
}

// finishSuccess moves the node into the given stable state, clearing
// the failure and transition bookkeeping.
func (s *service) finishSuccess(ctx context.Context, t *task, verb, state string) {
	t.node.ProvisionState = state
	t.node.TargetProvisionState = ""
	t.node.LastError = ""
	t.node.CurrentStep = ""
	t.node.StepIndex = 0
	t.node.ProvisionUpdatedAt = time.Now()

	if err := s.saveNode(ctx, t.node); err != nil {
		s.logger.Error("failed to persist state transition",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.ProvisionTransitions.WithLabelValues(verb, "success").Inc()
	s.logger.Info("provision transition complete",
		slog.String("node", t.node.UUID),
		slog.String("state", state),
	)
}

// finishFailure regresses the node to the failure state for its
// current transient state and records the diagnostic. Every failed
// transition leaves last_error non-empty; there are no silent
// failures.
func (s *service) finishFailure(ctx context.Context, t *task, verb string, cause error) {
	failed := fsm.OnFailure(t.node.ProvisionState)

	t.node.ProvisionState = failed
	t.node.TargetProvisionState = ""
	t.node.LastError = cause.Error()
	t.node.ProvisionUpdatedAt = time.Now()

	if err := s.saveNode(ctx, t.node); err != nil {
		s.logger.Error("failed to persist state transition",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.ProvisionTransitions.WithLabelValues(verb, "failure").Inc()
	s.logger.Error("provision transition failed",
		slog.String("node", t.node.UUID),
		slog.String("state", failed),
		slog.String("error", cause.Error()),
	)
}

// guard checks that the named capability interfaces all validate,
// returning a ValidationError naming the first one that does not.
func (s *service) guard(ctx context.Context, t *task, capabilities ...string) error {
	for _, c := range t.bundle.Capabilities() {
		required := false
		for _, name := range capabilities {
			if c.Name == name {
				required = true
				break
			}
		}
		if !required {
			continue
		}

		if c.Interface == nil {
			return &model.ValidationError{Reason: fmt.Sprintf("%s interface is not supported by driver %s", c.Name, t.node.Driver)}
		}
		if v := c.Interface.Validate(ctx, t.node); !v.OK() {
			reason := v.Reason
			if reason == "" {
				reason = "interface is not supported"
			}
			return &model.ValidationError{Reason: fmt.Sprintf("%s interface: %s", c.Name, reason)}
		}
	}
	return nil
}

// doVerify checks management credentials after a manage request.
func (s *service) doVerify(ctx context.Context, t *task, verb string) {
	if err := s.guard(ctx, t, "power", "management"); err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	// Confirm the controller actually answers, not just that the
	// credentials are present.
	err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		_, err := t.bundle.Power.GetPowerState(ctx, t.node)
		return err
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	s.finishSuccess(ctx, t, verb, model.Manageable)
}

// doClean runs the cleaning workflow from the beginning.
func (s *service) doClean(ctx context.Context, t *task, verb string) {
	if err := s.guard(ctx, t, "power", "management"); err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}
	s.runCleaning(ctx, t, verb, 0)
}

// doDeploy writes the instance onto the node.
func (s *service) doDeploy(ctx context.Context, t *task, verb string) {
	if err := s.guard(ctx, t, "power", "deploy"); err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		return t.bundle.Deploy.Prepare(ctx, t.node)
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, fmt.Errorf("deploy preparation failed: %w", err))
		return
	}

	if t.bundle.Boot != nil {
		err = s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
			return t.bundle.Boot.PrepareBoot(ctx, t.node)
		})
		if err != nil {
			s.finishFailure(ctx, t, verb, fmt.Errorf("boot preparation failed: %w", err))
			return
		}
	}

	var wait bool
	err = s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		var callErr error
		wait, callErr = t.bundle.Deploy.Deploy(ctx, t.node)
		return callErr
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	if wait {
		s.park(ctx, t, "deploy", 0)
		return
	}

	s.finishDeploy(ctx, t, verb)
}

// finishDeploy completes a deployment after the driver (or the
// out-of-band agent it delegated to) finished writing the instance.
func (s *service) finishDeploy(ctx context.Context, t *task, verb string) {
	if t.bundle.Boot != nil {
		err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
			return t.bundle.Boot.CleanUpBoot(ctx, t.node)
		})
		if err != nil {
			s.finishFailure(ctx, t, verb, fmt.Errorf("boot cleanup failed: %w", err))
			return
		}
	}

	s.finishSuccess(ctx, t, verb, model.Active)
}

// doTeardown removes the instance, then pushes the node through
// automated cleaning so it is sanitized before becoming available
// again.
func (s *service) doTeardown(ctx context.Context, t *task, verb string) {
	err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		return t.bundle.Deploy.TearDown(ctx, t.node)
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, fmt.Errorf("tear down failed: %w", err))
		return
	}

	if t.bundle.Boot != nil {
		err = s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
			return t.bundle.Boot.CleanUpBoot(ctx, t.node)
		})
		if err != nil {
			s.finishFailure(ctx, t, verb, fmt.Errorf("boot cleanup failed: %w", err))
			return
		}
	}

	t.node.InstanceInfo = map[string]any{}
	t.node.ProvisionState = fsm.OnSuccess(model.Deleting, t.node.TargetProvisionState)
	t.node.ProvisionUpdatedAt = time.Now()
	if err := s.saveNode(ctx, t.node); err != nil {
		s.logger.Error("failed to persist state transition",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.runCleaning(ctx, t, verb, 0)
}

// doInspect runs hardware introspection and merges the discovered
// properties into the node record.
func (s *service) doInspect(ctx context.Context, t *task, verb string) {
	if t.bundle.Inspect == nil {
		s.finishFailure(ctx, t, verb, &model.ValidationError{
			Reason: fmt.Sprintf("inspect interface is not supported by driver %s", t.node.Driver)})
		return
	}
	if err := s.guard(ctx, t, "inspect"); err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	var discovered map[string]any
	err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		var callErr error
		discovered, callErr = t.bundle.Inspect.InspectHardware(ctx, t.node)
		return callErr
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	if t.node.Properties == nil {
		t.node.Properties = map[string]any{}
	}
	for k, v := range discovered {
		t.node.Properties[k] = v
	}

	s.finishSuccess(ctx, t, verb, model.Manageable)
}

// doAdopt takes over an already-deployed node without redeploying it.
func (s *service) doAdopt(ctx context.Context, t *task, verb string) {
	if err := s.guard(ctx, t, "power", "management", "deploy"); err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
		_, err := t.bundle.Power.GetPowerState(ctx, t.node)
		return err
	})
	if err != nil {
		s.finishFailure(ctx, t, verb, err)
		return
	}

	s.finishSuccess(ctx, t, verb, model.Active)
}

// doAbort lands the node in the failed state for the interrupted
// operation. Abort cannot interrupt a driver call already in progress;
// it only applies to parked wait states, and the abort flag stops a
// racing resume between steps.
func (s *service) doAbort(ctx context.Context, t *task, failedState string) {
	s.setAbort(t.node.UUID)

	t.node.ProvisionState = failedState
	t.node.TargetProvisionState = ""
	t.node.LastError = "operation aborted by request"
	t.node.CurrentStep = ""
	t.node.StepIndex = 0
	t.node.ProvisionUpdatedAt = time.Now()

	if err := s.saveNode(ctx, t.node); err != nil {
		s.logger.Error("failed to persist abort",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.ProvisionTransitions.WithLabelValues(model.VerbAbort, "aborted").Inc()
	s.logger.Info("operation aborted",
		slog.String("node", t.node.UUID),
		slog.String("state", failedState),
	)
}

// park leaves the node in the wait state matching its executing state,
// recording the step cursor so a resume or a takeover can continue.
// The lease is released by the spawn wrapper after this returns.
func (s *service) park(ctx context.Context, t *task, step string, stepIndex int) {
	wait, ok := fsm.Wait(t.node.ProvisionState)
	if !ok {
		s.finishFailure(ctx, t, "wait", fmt.Errorf("state %s cannot wait", t.node.ProvisionState))
		return
	}

	t.node.ProvisionState = wait
	t.node.CurrentStep = step
	t.node.StepIndex = stepIndex
	t.node.ProvisionUpdatedAt = time.Now()

	if err := s.saveNode(ctx, t.node); err != nil {
		s.logger.Error("failed to persist wait state",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("operation parked waiting for callback",
		slog.String("node", t.node.UUID),
		slog.String("state", wait),
		slog.String("step", step),
	)
}

func (s *service) setAbort(nodeUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts[nodeUUID] = true
}

func (s *service) clearAbort(nodeUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aborts, nodeUUID)
}

// abortRequested consumes a pending abort flag for the node.
func (s *service) abortRequested(nodeUUID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborts[nodeUUID] {
		delete(s.aborts, nodeUUID)
		return true
	}
	return false
}
