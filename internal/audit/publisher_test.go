package audit

import (
	"context"
	"testing"
	"time"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestDropNullsFiltersNilValuesOnly(t *testing.T) {
	in := map[string]any{
		"stack_name": "spe-workspace-perm-1-ingress",
		"error":      nil,
		"replicas":   0,
	}
	out := dropNulls(in)
	assert.Equal(t, "spe-workspace-perm-1-ingress", out["stack_name"])
	assert.Equal(t, 0, out["replicas"])
	_, hasError := out["error"]
	assert.False(t, hasError)
}

func TestDropNullsNilInputYieldsNil(t *testing.T) {
	assert.Nil(t, dropNulls(nil))
}

// TestPublishFailureNeverBlocksOrPanicsWithoutABroker exercises the
// best-effort swallow-the-error contract: with no broker reachable,
// PublishFailure and PublishAudit must not panic. The chosen routing key
// is not checked here.
func TestPublishFailureNeverBlocksOrPanicsWithoutABroker(t *testing.T) {
	p := NewPublisher(Config{URL: "amqp://127.0.0.1:1", Exchange: "spe.events"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		p.PublishFailure(ctx, domain.FailureEvent{PermitID: "perm-1", Action: "destroy"})
	})
	assert.NotPanics(t, func() {
		p.PublishAudit(ctx, domain.AuditEvent{PermitID: "perm-1", Action: "provision:ingress", Outcome: domain.OutcomeSuccess})
	})
}
