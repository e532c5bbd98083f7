package driver

import (
	"context"
	"slices"

	"github.com/metalgrid/conductor/internal/model"
)

// PassthruHandler executes a vendor method. node is nil for
// driver-scoped methods.
type PassthruHandler func(ctx context.Context, node *model.Node, params map[string]any) (any, error)

// PassthruValidator checks caller-supplied parameters before any
// hardware action; failures surface synchronously as user errors.
type PassthruValidator func(node *model.Node, params map[string]any) error

// PassthruMethod describes one vendor-defined custom operation.
type PassthruMethod struct {
	// Name is the dispatch name; it defaults to the registering
	// driver's method identifier but may be overridden.
	Name string

	// HTTPMethods lists the verbs the method accepts.
	HTTPMethods []string

	// Sync runs the method inline instead of under the node's lease in
	// the background. Methods are asynchronous unless this is set.
	// Synchronous methods must not perform slow or flaky
	// management-controller calls.
	Sync bool

	Description string

	Validate PassthruValidator
	Handler  PassthruHandler
}

// MethodInfo is the exported description of a passthru method.
type MethodInfo struct {
	HTTPMethods []string `json:"http_methods"`
	Async       bool     `json:"async"`
	Description string   `json:"description,omitempty"`
}

// PassthruSet holds the registered passthru methods of one scope
// (driver-scoped or one driver's node-scoped set). It is populated at
// registry construction and read-only afterwards.
type PassthruSet struct {
	methods map[string]*PassthruMethod
}

// NewPassthruSet builds a set from the given methods. A method that
// leaves its verb set empty defaults to POST only, asynchronous.
func NewPassthruSet(methods ...*PassthruMethod) *PassthruSet {
	s := &PassthruSet{methods: make(map[string]*PassthruMethod, len(methods))}
	for _, m := range methods {
		if len(m.HTTPMethods) == 0 {
			m.HTTPMethods = []string{"POST"}
		}
		s.methods[m.Name] = m
	}
	return s
}

// Route resolves (method, verb) to a handler. Unknown methods yield
// NotFoundError, known methods with a verb outside their allowed set
// yield MethodNotAllowedError.
func (s *PassthruSet) Route(method, verb string) (*PassthruMethod, error) {
	if s == nil {
		return nil, &model.NotFoundError{Kind: "vendor method", Name: method}
	}

	m, ok := s.methods[method]
	if !ok {
		return nil, &model.NotFoundError{Kind: "vendor method", Name: method}
	}

	if !slices.Contains(m.HTTPMethods, verb) {
		return nil, &model.MethodNotAllowedError{Method: method, Verb: verb}
	}

	return m, nil
}

// Methods returns the set's methods for discovery responses.
func (s *PassthruSet) Methods() map[string]MethodInfo {
	if s == nil {
		return map[string]MethodInfo{}
	}

	out := make(map[string]MethodInfo, len(s.methods))
	for name, m := range s.methods {
		out[name] = MethodInfo{
			HTTPMethods: m.HTTPMethods,
			Async:       !m.Sync,
			Description: m.Description,
		}
	}
	return out
}
