package conductor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/metalgrid/conductor/internal/model"
)

// ChangeNodePowerState drives the node to the requested power state
// asynchronously under the node's lease. A failure leaves the last
// observed power state untouched and records the diagnostic in
// last_error.
func (s *service) ChangeNodePowerState(ctx context.Context, ident, target string) error {
	switch target {
	case model.PowerOn, model.PowerOff, model.Rebooting:
	default:
		return &model.ValidationError{Reason: fmt.Sprintf("invalid target power state %q", target)}
	}

	t, err := s.acquire(ctx, ident)
	if err != nil {
		return err
	}

	if t.bundle.Power == nil {
		s.release(t)
		return &model.ValidationError{Reason: fmt.Sprintf("power interface is not supported by driver %s", t.node.Driver)}
	}

	t.node.TargetPowerState = target
	if err := s.saveNode(ctx, t.node); err != nil {
		s.release(t)
		return err
	}

	s.spawn(t, func(ctx context.Context) {
		err := s.callDriver(ctx, t.node.Driver, func(ctx context.Context) error {
			if target == model.Rebooting {
				return t.bundle.Power.Reboot(ctx, t.node)
			}
			return t.bundle.Power.SetPowerState(ctx, t.node, target)
		})

		t.node.TargetPowerState = ""
		if err != nil {
			t.node.LastError = fmt.Sprintf("failed to change power state to %s: %v", target, err)
			s.logger.Error("power state change failed",
				slog.String("node", t.node.UUID),
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
		} else {
			t.node.LastError = ""
			if target == model.Rebooting {
				t.node.PowerState = model.PowerOn
			} else {
				t.node.PowerState = target
			}
		}

		if err := s.saveNode(ctx, t.node); err != nil {
			s.logger.Error("failed to persist power state",
				slog.String("node", t.node.UUID),
				slog.String("error", err.Error()),
			)
		}
	})

	return nil
}
