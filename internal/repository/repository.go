// Package repository persists node and port records. Two
// implementations exist: an etcd-backed one for shared deployments and
// an in-memory one for single-process use and tests.
package repository

import (
	"context"

	"github.com/metalgrid/conductor/internal/model"
)

// Repository defines the persistence operations the conductor needs.
// Node lookups accept either the UUID or the logical name.
type Repository interface {
	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, ident string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)

	// UpdateNode replaces the stored record; the caller is expected to
	// hold the node's lease for any state-changing update.
	UpdateNode(ctx context.Context, node *model.Node) error

	DeleteNode(ctx context.Context, uuid string) error

	CreatePort(ctx context.Context, port *model.Port) error
	ListPorts(ctx context.Context, nodeUUID string) ([]model.Port, error)
}
