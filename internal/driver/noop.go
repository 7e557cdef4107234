package driver

import (
	"context"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
)

// NoopDriver never talks to a cluster. It is selected when the
// disable_driver config flag is set, for local development and as the
// default test driver.
type NoopDriver struct{}

// NewNoopDriver builds a driver that simulates apply/destroy and always
// succeeds.
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{}
}

func (d *NoopDriver) Disabled() bool { return true }

func (d *NoopDriver) Apply(ctx context.Context, plan *domain.WorkspacePlan) (map[string]string, error) {
	logger := log.WithComponent("driver.noop")
	logger.Info().Str("stack", plan.StackName).Msg("skipping stack apply, driver disabled")
	outputs := map[string]string{}
	if plan.ConnectionInfo != nil {
		outputs["connection"] = plan.ConnectionInfo.Host
	}
	return outputs, nil
}

func (d *NoopDriver) Destroy(ctx context.Context, namespace, name string) error {
	logger := log.WithComponent("driver.noop")
	logger.Info().Str("namespace", namespace).Str("name", name).Msg("skipping stack destroy, driver disabled")
	return nil
}
