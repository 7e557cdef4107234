// Package engine implements the Lifecycle Engine: it routes a decoded
// PermitEvent to provision/scale/destroy operations against the Stack
// Driver, persists the resulting state, and emits audit and failure
// events. This is the state machine at the heart of the orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/driver"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/metrics"
	"github.com/spe-platform/workspace-orchestrator/internal/planner"
	"github.com/spe-platform/workspace-orchestrator/internal/store"
)

// Publisher is the Lifecycle Engine's view of the Audit & Failure
// Publisher: two best-effort sends that must never block or fail the
// operation they describe.
type Publisher interface {
	PublishAudit(ctx context.Context, evt domain.AuditEvent)
	PublishFailure(ctx context.Context, evt domain.FailureEvent)
}

// Engine owns the per-permit state machine.
type Engine struct {
	store     store.Store
	driver    driver.Driver
	publisher Publisher
	planCfg   planner.Config
	secretFn  func() string
	locks     *keyedMutex
}

// New builds an Engine. secretFn generates connection secrets for newly
// provisioned INGRESS stacks; callers pass a real random source in
// production and a deterministic stub in tests.
func New(st store.Store, drv driver.Driver, pub Publisher, planCfg planner.Config, secretFn func() string) *Engine {
	return &Engine{
		store:     st,
		driver:    drv,
		publisher: pub,
		planCfg:   planCfg,
		secretFn:  secretFn,
		locks:     newKeyedMutex(),
	}
}

// Handle routes a decoded event to the appropriate state-machine action,
// serialized per permit_id so that two events for the same permit never
// race each other while distinct permits proceed concurrently.
func (e *Engine) Handle(ctx context.Context, event domain.PermitEvent) error {
	logger := log.WithPermitID(event.PermitID)
	var handleErr error
	e.locks.with(event.PermitID, func() {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.EventProcessingDuration, string(event.Type))
		metrics.EventsConsumedTotal.WithLabelValues(string(event.Type)).Inc()

		switch event.Type {
		case domain.EventPermitIngressInitiated:
			handleErr = e.provision(ctx, event.PermitID, event, domain.StageIngress)
		case domain.EventPermitStatusUpdated:
			handleErr = e.handleStatusUpdate(ctx, event)
		case domain.EventWorkspaceStopRequested:
			handleErr = e.handleStop(ctx, event.PermitID)
		case domain.EventWorkspaceStartRequested:
			handleErr = e.handleStart(ctx, event.PermitID)
		case domain.EventPermitDeleted:
			handleErr = e.handleDelete(ctx, event.PermitID)
		default:
			logger.Warn().Str("event_type", string(event.Type)).Msg("unrecognised event type, dropping")
		}

		if handleErr != nil {
			metrics.EventsFailedTotal.WithLabelValues(string(event.Type), string(apperr.Classify(handleErr))).Inc()
		}
	})
	return handleErr
}

// handleStatusUpdate dispatches on the new status per the transition
// table. Sub-operations run in order; a failing sub-operation does not
// abort the rest, but the permit's final recorded status is that of the
// last sub-operation to fail, if any did.
func (e *Engine) handleStatusUpdate(ctx context.Context, event domain.PermitEvent) error {
	permitID := event.PermitID
	logger := log.WithPermitID(permitID)

	switch event.Status {
	case domain.StatusAwaitingIngress:
		logger.Debug().Msg("awaiting_ingress is a no-op transition")
		return nil
	case domain.StatusDataPreparationPending:
		return e.runSequence(ctx, permitID,
			func() error { return e.destroy(ctx, permitID, domain.StageIngress) },
			func() error { return e.provision(ctx, permitID, event, domain.StagePreprocess) },
		)
	case domain.StatusDataPreparationReviewPending:
		return e.runSequence(ctx, permitID,
			func() error { return e.scale(ctx, permitID, domain.StagePreprocess, 0) },
			func() error { return e.provision(ctx, permitID, event, domain.StageReview) },
		)
	case domain.StatusDataPreparationRework:
		return e.runSequenceWithFinalStatus(ctx, permitID, domain.PermitStatus(domain.StagePreprocess.Upper()),
			func() error { return e.destroy(ctx, permitID, domain.StageReview) },
			func() error { return e.scale(ctx, permitID, domain.StagePreprocess, 1) },
		)
	case domain.StatusWorkspaceSetupPending:
		return e.runSequence(ctx, permitID,
			func() error { return e.destroy(ctx, permitID, domain.StageReview) },
			func() error { return e.destroy(ctx, permitID, domain.StagePreprocess) },
			func() error { return e.provision(ctx, permitID, event, domain.StageSetup) },
		)
	case domain.StatusWorkspaceSetupReviewPending:
		return e.runSequence(ctx, permitID,
			func() error { return e.scale(ctx, permitID, domain.StageSetup, 0) },
			func() error { return e.provision(ctx, permitID, event, domain.StageSetupReview) },
		)
	case domain.StatusWorkspaceSetupRework:
		return e.runSequenceWithFinalStatus(ctx, permitID, domain.PermitStatus(domain.StageSetup.Upper()),
			func() error { return e.destroy(ctx, permitID, domain.StageSetupReview) },
			func() error { return e.scale(ctx, permitID, domain.StageSetup, 1) },
		)
	case domain.StatusAnalysisActive:
		return e.runSequence(ctx, permitID,
			func() error { return e.destroy(ctx, permitID, domain.StageSetupReview) },
			func() error { return e.provision(ctx, permitID, event, domain.StageAnalysis) },
		)
	case domain.StatusArchived:
		return e.runSequenceWithFinalStatus(ctx, permitID, domain.StatusArchived,
			func() error { return e.scale(ctx, permitID, domain.StageAnalysis, 0) },
		)
	default:
		logger.Warn().Str("status", string(event.Status)).Msg("unrecognised or missing status, ignoring status.updated event")
		return nil
	}
}

// runSequenceWithFinalStatus runs every action in order, sets
// finalStatus on full success, and otherwise leaves the status that the
// failing action itself wrote (PROVISIONING_FAILED/DESTROY_FAILED).
func (e *Engine) runSequenceWithFinalStatus(ctx context.Context, permitID string, finalStatus domain.PermitStatus, actions ...func() error) error {
	var firstErr error
	for _, action := range actions {
		if err := action(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return e.store.SetStatus(permitID, finalStatus)
}

// runSequence runs every action in order. Each provision/destroy/scale
// call records its own resulting status as it completes, so a later
// action that succeeds after an earlier one failed would otherwise leave
// the store showing the later success rather than the earlier failure.
// If any action failed, runSequence re-asserts the status the most recent
// failing action wrote, so the permit's final recorded status always
// reflects that failure. The returned error is the first one.
func (e *Engine) runSequence(ctx context.Context, permitID string, actions ...func() error) error {
	var firstErr error
	var failedStatus domain.PermitStatus
	for _, action := range actions {
		if err := action(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if status, ok, statusErr := e.store.GetStatus(permitID); statusErr == nil && ok {
				failedStatus = status
			}
		}
	}
	if firstErr != nil && failedStatus != "" {
		if err := e.store.SetStatus(permitID, failedStatus); err != nil {
			log.WithPermitID(permitID).Error().Err(err).Msg("failed to re-assert failing status after sequence")
		}
	}
	return firstErr
}

// provision builds a plan for (permit, stage), applies it via the
// driver, and on success records the plan, connection info, and status.
func (e *Engine) provision(ctx context.Context, permitID string, event domain.PermitEvent, stage domain.Stage) error {
	logger := log.WithPermitID(permitID).With().Str("stage", string(stage)).Logger()
	buildTimer := metrics.NewTimer()
	plan, err := planner.Build(e.planCfg, event, stage, e.secretFn)
	buildTimer.ObserveDuration(metrics.PlanBuildDuration)
	if err != nil {
		metrics.PlanBuildFailuresTotal.Inc()
		logger.Error().Err(err).Msg("plan build failed")
		_ = e.store.SetStatus(permitID, domain.StatusProvisioningFailed)
		e.publishFailure(ctx, permitID, "provision", stage, "", domain.StatusProvisioningFailed, err)
		e.publishAudit(ctx, permitID, fmt.Sprintf("provision:%s", stage), domain.OutcomeFailure, map[string]any{"error": err.Error()})
		return err
	}

	if stage == domain.StageIngress {
		if existing, ok, _ := e.store.GetPlan(permitID, stage); ok && existing.ConnectionSecret != nil {
			plan.ConnectionSecret = existing.ConnectionSecret
		}
	}

	outputs, err := e.driver.Apply(ctx, plan)
	if err != nil {
		metrics.DriverFailuresTotal.WithLabelValues("apply").Inc()
		logger.Error().Err(err).Msg("driver apply failed")
		_ = e.store.SetStatus(permitID, domain.StatusProvisioningFailed)
		e.publishFailure(ctx, permitID, "provision", stage, plan.StackName, domain.StatusProvisioningFailed, err)
		e.publishAudit(ctx, permitID, fmt.Sprintf("provision:%s", stage), domain.OutcomeFailure, map[string]any{"error": err.Error(), "stack_name": plan.StackName})
		return err
	}

	plan.Exports = outputs

	if err := e.store.SetPlan(permitID, stage, plan); err != nil {
		return fmt.Errorf("failed to persist plan for %s/%s: %w", permitID, stage, err)
	}
	if plan.ConnectionInfo != nil {
		if err := e.store.SetConnection(permitID, plan.ConnectionInfo); err != nil {
			logger.Error().Err(err).Msg("failed to persist connection info")
		}
	}
	if err := e.store.SetStatus(permitID, domain.PermitStatus(stage.Upper())); err != nil {
		logger.Error().Err(err).Msg("failed to persist status")
	}

	metrics.StacksAppliedTotal.WithLabelValues(string(stage)).Inc()
	e.publishAudit(ctx, permitID, fmt.Sprintf("provision:%s", stage), domain.OutcomeSuccess, map[string]any{"stack_name": plan.StackName})
	logger.Info().Str("stack", plan.StackName).Msg("stage provisioned")
	return nil
}

// scale loads the stored plan for (permit, stage), mutates its replica
// count and network profile, and re-applies it.
func (e *Engine) scale(ctx context.Context, permitID string, stage domain.Stage, replicas int) error {
	logger := log.WithPermitID(permitID).With().Str("stage", string(stage)).Logger()
	plan, ok, err := e.store.GetPlan(permitID, stage)
	if err != nil {
		return fmt.Errorf("failed to load plan for %s/%s: %w", permitID, stage, err)
	}
	if !ok {
		logger.Warn().Msg("no stored plan to scale, skipping")
		return nil
	}

	plan.WorkspaceSpec.Replicas = replicas
	if replicas == 0 {
		plan.Network.Profile = domain.ProfileStopped
	} else {
		plan.Network.Profile = domain.NaturalProfile(stage)
	}

	outputs, err := e.driver.Apply(ctx, plan)
	if err != nil {
		metrics.DriverFailuresTotal.WithLabelValues("scale").Inc()
		logger.Error().Err(err).Msg("driver scale apply failed")
		_ = e.store.SetStatus(permitID, domain.StatusProvisioningFailed)
		e.publishFailure(ctx, permitID, "scale", stage, plan.StackName, domain.StatusProvisioningFailed, err)
		e.publishAudit(ctx, permitID, fmt.Sprintf("scale:%s", stage), domain.OutcomeFailure, map[string]any{"error": err.Error(), "replicas": replicas})
		return err
	}

	plan.Exports = outputs
	if err := e.store.SetPlan(permitID, stage, plan); err != nil {
		return fmt.Errorf("failed to persist scaled plan for %s/%s: %w", permitID, stage, err)
	}

	metrics.StacksAppliedTotal.WithLabelValues(string(stage)).Inc()
	e.publishAudit(ctx, permitID, fmt.Sprintf("scale:%s", stage), domain.OutcomeSuccess, map[string]any{"replicas": replicas})
	logger.Info().Int("replicas", replicas).Msg("stage scaled")
	return nil
}

// destroy tears down the stack for (permit, stage). A not-found stack is
// treated as success: the stored plan is cleared either way.
func (e *Engine) destroy(ctx context.Context, permitID string, stage domain.Stage) error {
	logger := log.WithPermitID(permitID).With().Str("stage", string(stage)).Logger()
	stackName := planner.StackName(e.planCfg, permitID, stage)

	plan, hasPlan, _ := e.store.GetPlan(permitID, stage)
	namespace := fmt.Sprintf("permit-%s", permitID)
	name := fmt.Sprintf("%s-%s", permitID, stage)
	if hasPlan {
		namespace = plan.WorkspaceSpec.Namespace
		name = plan.WorkspaceSpec.Name
	}

	err := e.driver.Destroy(ctx, namespace, name)
	if err != nil && !errors.Is(err, driver.ErrStackNotFound) {
		metrics.DriverFailuresTotal.WithLabelValues("destroy").Inc()
		logger.Error().Err(err).Msg("driver destroy failed")
		_ = e.store.SetStatus(permitID, domain.StatusDestroyFailed)
		e.publishFailure(ctx, permitID, "destroy", stage, stackName, domain.StatusDestroyFailed, err)
		e.publishAudit(ctx, permitID, fmt.Sprintf("destroy:%s", stage), domain.OutcomeFailure, map[string]any{"error": err.Error(), "stack_name": stackName})
		return err
	}

	if err := e.store.DeletePlan(permitID, stage); err != nil {
		logger.Error().Err(err).Msg("failed to delete stored plan after destroy")
	}

	metrics.StacksDestroyedTotal.WithLabelValues(string(stage)).Inc()
	e.publishAudit(ctx, permitID, fmt.Sprintf("destroy:%s", stage), domain.OutcomeSuccess, map[string]any{"stack_name": stackName})
	logger.Info().Str("stack", stackName).Msg("stage destroyed")
	return nil
}

func (e *Engine) handleStop(ctx context.Context, permitID string) error {
	if err := e.scale(ctx, permitID, domain.StageAnalysis, 0); err != nil {
		return err
	}
	return e.store.SetStatus(permitID, domain.StatusStopped)
}

func (e *Engine) handleStart(ctx context.Context, permitID string) error {
	if err := e.scale(ctx, permitID, domain.StageAnalysis, 1); err != nil {
		return err
	}
	return e.store.SetStatus(permitID, domain.StatusRunning)
}

// handleDelete destroys every stage, in pipeline order, and clears all
// stored state only if every destroy succeeded.
func (e *Engine) handleDelete(ctx context.Context, permitID string) error {
	var firstErr error
	for _, stage := range domain.Stages {
		if err := e.destroy(ctx, permitID, stage); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return e.store.ClearPermit(permitID)
}

func (e *Engine) publishAudit(ctx context.Context, permitID, action string, outcome domain.AuditOutcome, details map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishAudit(ctx, domain.AuditEvent{
		PermitID: permitID,
		Action:   action,
		Outcome:  outcome,
		Details:  details,
	})
}

func (e *Engine) publishFailure(ctx context.Context, permitID, action string, stage domain.Stage, stackName string, status domain.PermitStatus, err error) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishFailure(ctx, domain.FailureEvent{
		PermitID:      permitID,
		Action:        action,
		Status:        string(status),
		WorkspaceType: string(stage),
		StackName:     stackName,
		Error:         domain.ErrorDetail{Message: err.Error(), Type: string(apperr.Classify(err))},
	})
}
