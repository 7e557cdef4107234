// Package driver abstracts over the container platform: applying,
// scaling, and destroying the stack a WorkspacePlan describes.
package driver

import (
	"context"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
)

// Driver applies, scales, and destroys a WorkspacePlan's stack against a
// container platform.
type Driver interface {
	// Apply creates or updates the stack named plan.StackName and returns
	// an outputs map. When plan.ConnectionInfo is non-empty it is
	// exported under the "connection" key.
	Apply(ctx context.Context, plan *domain.WorkspacePlan) (map[string]string, error)

	// Destroy tears down the stack identified by (namespace, name) - the
	// WorkspaceSpec's namespace and name, not the StackName identifier,
	// since those are what a backend actually addresses resources by. A
	// not-found stack is reported via ErrStackNotFound, which callers
	// treat as a non-fatal success.
	Destroy(ctx context.Context, namespace, name string) error

	// Disabled reports whether this driver is a no-op. The Engine does not
	// consult it: plans, connection info and status are recorded the same
	// way for every driver.
	Disabled() bool
}

// ErrStackNotFound is returned by Destroy when the named stack does not
// exist; it is not a failure.
var ErrStackNotFound = stackNotFoundError{}

type stackNotFoundError struct{}

func (stackNotFoundError) Error() string { return "stack not found" }
