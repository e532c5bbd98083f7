package conductor

import (
	"context"
	"log/slog"

	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/model"
)

// DriverVendorMethods lists the driver-scoped passthru methods of the
// named driver.
func (s *service) DriverVendorMethods(_ context.Context, name string) (map[string]driver.MethodInfo, error) {
	set, err := s.registry.DriverPassthru(name)
	if err != nil {
		return nil, err
	}
	return set.Methods(), nil
}

// DriverVendorPassthru dispatches a driver-scoped custom operation: no
// node context, addressed purely by driver name. Parameter validation
// failures surface synchronously; asynchronous methods run on a
// background worker.
func (s *service) DriverVendorPassthru(ctx context.Context, driverName, method, verb string, params map[string]any) (*PassthruResult, error) {
	set, err := s.registry.DriverPassthru(driverName)
	if err != nil {
		return nil, err
	}

	m, err := set.Route(method, verb)
	if err != nil {
		return nil, err
	}

	if m.Validate != nil {
		if err := m.Validate(nil, params); err != nil {
			return nil, err
		}
	}

	if m.Sync {
		result, err := m.Handler(ctx, nil, params)
		if err != nil {
			return nil, err
		}
		return &PassthruResult{Result: result}, nil
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		if _, err := m.Handler(context.Background(), nil, params); err != nil {
			s.logger.Error("driver vendor passthru failed",
				slog.String("driver", driverName),
				slog.String("method", method),
				slog.String("error", err.Error()),
			)
		}
	}()

	return &PassthruResult{Async: true}, nil
}

// NodeVendorPassthru dispatches a node-scoped custom operation. The
// handler receives the node's full context; asynchronous methods run
// under the node's exclusive lease like any other node operation.
func (s *service) NodeVendorPassthru(ctx context.Context, ident, method, verb string, params map[string]any) (*PassthruResult, error) {
	t, err := s.acquire(ctx, ident)
	if err != nil {
		return nil, err
	}

	if t.bundle.Vendor == nil {
		s.release(t)
		return nil, &model.NotFoundError{Kind: "vendor method", Name: method}
	}

	m, err := t.bundle.Vendor.Methods().Route(method, verb)
	if err != nil {
		s.release(t)
		return nil, err
	}

	if m.Validate != nil {
		if err := m.Validate(t.node, params); err != nil {
			s.release(t)
			return nil, err
		}
	}

	if m.Sync {
		defer s.release(t)
		result, err := m.Handler(ctx, t.node, params)
		if err != nil {
			return nil, err
		}
		return &PassthruResult{Result: result}, nil
	}

	s.spawn(t, func(ctx context.Context) {
		if _, err := m.Handler(ctx, t.node, params); err != nil {
			t.node.LastError = err.Error()
			if saveErr := s.saveNode(ctx, t.node); saveErr != nil {
				s.logger.Error("failed to persist vendor passthru error",
					slog.String("node", t.node.UUID),
					slog.String("error", saveErr.Error()),
				)
			}
			s.logger.Error("node vendor passthru failed",
				slog.String("node", t.node.UUID),
				slog.String("method", method),
				slog.String("error", err.Error()),
			)
		}
	})

	return &PassthruResult{Async: true}, nil
}
