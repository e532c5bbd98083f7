package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalgrid/conductor/internal/fsm"
)

// Recover handles a node whose lease holder stopped heartbeating. The
// crash is an orchestrator failure, not a node fault: the node's last
// known state is preserved. Nodes parked in a wait state stay parked
// with their step cursor intact so the agent callback (or a manual
// resume) continues where the dead holder left off. Nodes caught
// mid-execution get the interrupted operation re-run from the cursor
// under a fresh lease.
func (s *service) Recover(ctx context.Context, nodeID, deadHolder string) error {
	if err := s.leases.Release(ctx, nodeID, deadHolder); err != nil {
		return fmt.Errorf("failed to release stale lease: %w", err)
	}

	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	state := node.ProvisionState
	switch {
	case fsm.IsStable(state):
		// The holder died after (or before) doing anything durable.
		s.logger.Info("reclaimed lease of idle node",
			slog.String("node", nodeID),
			slog.String("dead_holder", deadHolder),
		)
		return nil

	case fsm.IsWait(state):
		s.logger.Info("reclaimed lease of parked node, awaiting callback",
			slog.String("node", nodeID),
			slog.String("state", state),
			slog.String("step", node.CurrentStep),
		)
		return nil

	default:
		// Caught mid-execution. The in-flight step is incomplete;
		// re-run the operation from the recorded cursor.
		t, err := s.acquire(ctx, nodeID)
		if err != nil {
			return err
		}

		t.node.LastError = fmt.Sprintf("conductor %s died during %s; operation taken over", deadHolder, state)
		t.node.ProvisionUpdatedAt = time.Now()
		if err := s.saveNode(ctx, t.node); err != nil {
			s.release(t)
			return err
		}

		s.logger.Warn("taking over interrupted operation",
			slog.String("node", nodeID),
			slog.String("state", state),
			slog.String("dead_holder", deadHolder),
		)

		s.spawn(t, func(ctx context.Context) {
			s.recoverWorkflow(ctx, t)
		})
		return nil
	}
}
