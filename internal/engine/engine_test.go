package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/driver"
	"github.com/spe-platform/workspace-orchestrator/internal/planner"
	"github.com/spe-platform/workspace-orchestrator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory store.Store for engine tests.
type fakeStore struct {
	mu          sync.Mutex
	statuses    map[string]domain.PermitStatus
	connections map[string]*domain.ConnectionInfo
	plans       map[string]*domain.WorkspacePlan
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:    map[string]domain.PermitStatus{},
		connections: map[string]*domain.ConnectionInfo{},
		plans:       map[string]*domain.WorkspacePlan{},
	}
}

func planKey(permitID string, stage domain.Stage) string { return permitID + ":" + string(stage) }

func (f *fakeStore) SetStatus(permitID string, status domain.PermitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[permitID] = status
	return nil
}

func (f *fakeStore) GetStatus(permitID string) (domain.PermitStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[permitID]
	return s, ok, nil
}

func (f *fakeStore) SetConnection(permitID string, info *domain.ConnectionInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[permitID] = info
	return nil
}

func (f *fakeStore) GetConnection(permitID string) (*domain.ConnectionInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.connections[permitID]
	return c, ok, nil
}

func (f *fakeStore) History(permitID string) ([]store.HistoryEntry, error) { return nil, nil }

func (f *fakeStore) SetPlan(permitID string, stage domain.Stage, plan *domain.WorkspacePlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[planKey(permitID, stage)] = plan
	return nil
}

func (f *fakeStore) GetPlan(permitID string, stage domain.Stage) (*domain.WorkspacePlan, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[planKey(permitID, stage)]
	return p, ok, nil
}

func (f *fakeStore) DeletePlan(permitID string, stage domain.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.plans, planKey(permitID, stage))
	return nil
}

func (f *fakeStore) ClearPermit(permitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, permitID)
	delete(f.connections, permitID)
	for k := range f.plans {
		if len(k) > len(permitID) && k[:len(permitID)+1] == permitID+":" {
			delete(f.plans, k)
		}
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeDriver records Apply/Destroy calls and lets tests inject failures.
type fakeDriver struct {
	mu          sync.Mutex
	applyErr    error
	destroyErr  error
	applied     []string
	destroyed   []string
	notFoundFor map[string]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{notFoundFor: map[string]bool{}}
}

func (d *fakeDriver) Apply(ctx context.Context, plan *domain.WorkspacePlan) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied = append(d.applied, plan.StackName)
	if d.applyErr != nil {
		return nil, d.applyErr
	}
	return map[string]string{}, nil
}

func (d *fakeDriver) Destroy(ctx context.Context, namespace, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, namespace+"/"+name)
	if d.notFoundFor[namespace+"/"+name] {
		return driver.ErrStackNotFound
	}
	return d.destroyErr
}

func (d *fakeDriver) Disabled() bool { return false }

// fakePublisher records every audit/failure event published.
type fakePublisher struct {
	mu        sync.Mutex
	audits    []domain.AuditEvent
	failures  []domain.FailureEvent
}

func (p *fakePublisher) PublishAudit(ctx context.Context, evt domain.AuditEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audits = append(p.audits, evt)
}

func (p *fakePublisher) PublishFailure(ctx context.Context, evt domain.FailureEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, evt)
}

func testEngine() (*Engine, *fakeStore, *fakeDriver, *fakePublisher) {
	st := newFakeStore()
	drv := newFakeDriver()
	pub := &fakePublisher{}
	cfg := planner.Config{StackPrefix: "spe-workspace"}
	eng := New(st, drv, pub, cfg, func() string { return "fixed-secret" })
	return eng, st, drv, pub
}

func ingressEvent(permitID string) domain.PermitEvent {
	return domain.PermitEvent{
		Type:     domain.EventPermitIngressInitiated,
		PermitID: permitID,
		Payload:  map[string]any{},
	}
}

func TestHandleIngressInitiatedProvisionsAndRecordsStatus(t *testing.T) {
	eng, st, drv, pub := testEngine()
	ctx := context.Background()

	err := eng.Handle(ctx, ingressEvent("perm-1"))
	require.NoError(t, err)

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.PermitStatus("INGRESS"), status)
	assert.Len(t, drv.applied, 1)

	_, hasPlan, _ := st.GetPlan("perm-1", domain.StageIngress)
	assert.True(t, hasPlan)

	_, hasConn, _ := st.GetConnection("perm-1")
	assert.True(t, hasConn)

	require.Len(t, pub.audits, 1)
	assert.Equal(t, domain.OutcomeSuccess, pub.audits[0].Outcome)
}

func TestHandleIngressInitiatedDriverFailurePublishesFailure(t *testing.T) {
	eng, st, drv, pub := testEngine()
	drv.applyErr = errors.New("boom")
	ctx := context.Background()

	err := eng.Handle(ctx, ingressEvent("perm-1"))
	require.Error(t, err)

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusProvisioningFailed, status)
	require.Len(t, pub.failures, 1)
	assert.Equal(t, "provision", pub.failures[0].Action)
	assert.Equal(t, string(domain.StatusProvisioningFailed), pub.failures[0].Status)
}

func TestStatusUpdatedPreprocessDestroysIngressAndProvisionsPreprocess(t *testing.T) {
	eng, st, drv, _ := testEngine()
	ctx := context.Background()

	require.NoError(t, eng.Handle(ctx, ingressEvent("perm-1")))

	event := domain.PermitEvent{
		Type:     domain.EventPermitStatusUpdated,
		PermitID: "perm-1",
		Status:   domain.StatusDataPreparationPending,
		Payload: map[string]any{
			"user": map[string]any{"username": "researcher", "uid": 2001},
		},
	}
	require.NoError(t, eng.Handle(ctx, event))

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.PermitStatus("PREPROCESS"), status)

	_, hasIngressPlan, _ := st.GetPlan("perm-1", domain.StageIngress)
	assert.False(t, hasIngressPlan, "ingress plan must be cleared after destroy")

	_, hasPreprocessPlan, _ := st.GetPlan("perm-1", domain.StagePreprocess)
	assert.True(t, hasPreprocessPlan)

	assert.Contains(t, drv.destroyed, "permit-perm-1/perm-1-ingress")
}

func TestStatusUpdatedArchivedScalesAnalysisToZeroAndSetsStatus(t *testing.T) {
	eng, st, _, _ := testEngine()
	ctx := context.Background()

	plan := &domain.WorkspacePlan{
		SchemaVersion: domain.CurrentPlanSchemaVersion,
		StackName:     "spe-workspace-perm-1-analysis",
		WorkspaceSpec: domain.WorkspaceSpec{Name: "perm-1-analysis", Namespace: "permit-perm-1", Replicas: 1},
		Network:       domain.NetworkSpec{Profile: domain.ProfileAnalysis},
	}
	require.NoError(t, st.SetPlan("perm-1", domain.StageAnalysis, plan))

	event := domain.PermitEvent{
		Type:     domain.EventPermitStatusUpdated,
		PermitID: "perm-1",
		Status:   domain.StatusArchived,
	}
	require.NoError(t, eng.Handle(ctx, event))

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusArchived, status)

	scaled, ok, _ := st.GetPlan("perm-1", domain.StageAnalysis)
	require.True(t, ok)
	assert.Equal(t, 0, scaled.WorkspaceSpec.Replicas)
	assert.Equal(t, domain.ProfileStopped, scaled.Network.Profile)
}

func TestDestroyTreatsNotFoundAsSuccess(t *testing.T) {
	eng, st, drv, pub := testEngine()
	ctx := context.Background()

	plan := &domain.WorkspacePlan{
		SchemaVersion: domain.CurrentPlanSchemaVersion,
		StackName:     "spe-workspace-perm-1-ingress",
		WorkspaceSpec: domain.WorkspaceSpec{Name: "perm-1-ingress", Namespace: "permit-perm-1"},
	}
	require.NoError(t, st.SetPlan("perm-1", domain.StageIngress, plan))
	drv.notFoundFor["permit-perm-1/perm-1-ingress"] = true

	event := domain.PermitEvent{
		Type:     domain.EventPermitStatusUpdated,
		PermitID: "perm-1",
		Status:   domain.StatusDataPreparationPending,
		Payload: map[string]any{
			"user": map[string]any{"username": "researcher", "uid": 2001},
		},
	}
	require.NoError(t, eng.Handle(ctx, event))

	for _, a := range pub.audits {
		if a.Action == "destroy:ingress" {
			assert.Equal(t, domain.OutcomeSuccess, a.Outcome)
		}
	}
}

func TestHandleStopAndStart(t *testing.T) {
	eng, st, _, _ := testEngine()
	ctx := context.Background()

	plan := &domain.WorkspacePlan{
		SchemaVersion: domain.CurrentPlanSchemaVersion,
		StackName:     "spe-workspace-perm-1-analysis",
		WorkspaceSpec: domain.WorkspaceSpec{Name: "perm-1-analysis", Namespace: "permit-perm-1", Replicas: 1},
		Network:       domain.NetworkSpec{Profile: domain.ProfileAnalysis},
	}
	require.NoError(t, st.SetPlan("perm-1", domain.StageAnalysis, plan))

	require.NoError(t, eng.Handle(ctx, domain.PermitEvent{Type: domain.EventWorkspaceStopRequested, PermitID: "perm-1"}))
	status, _, _ := st.GetStatus("perm-1")
	assert.Equal(t, domain.StatusStopped, status)

	require.NoError(t, eng.Handle(ctx, domain.PermitEvent{Type: domain.EventWorkspaceStartRequested, PermitID: "perm-1"}))
	status, _, _ = st.GetStatus("perm-1")
	assert.Equal(t, domain.StatusRunning, status)
}

func TestHandleDeleteDestroysEveryStageAndClearsState(t *testing.T) {
	eng, st, drv, _ := testEngine()
	ctx := context.Background()

	require.NoError(t, st.SetPlan("perm-1", domain.StageIngress, &domain.WorkspacePlan{
		SchemaVersion: domain.CurrentPlanSchemaVersion,
		WorkspaceSpec: domain.WorkspaceSpec{Name: "perm-1-ingress", Namespace: "permit-perm-1"},
	}))
	require.NoError(t, st.SetStatus("perm-1", domain.StatusAnalysisActive))

	require.NoError(t, eng.Handle(ctx, domain.PermitEvent{Type: domain.EventPermitDeleted, PermitID: "perm-1"}))

	assert.Len(t, drv.destroyed, len(domain.Stages))
	_, ok, _ := st.GetStatus("perm-1")
	assert.False(t, ok)
}

func TestEventsForDistinctPermitsDoNotBlockEachOther(t *testing.T) {
	eng, _, _, _ := testEngine()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.Handle(ctx, ingressEvent(permitIDFor(i)))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func permitIDFor(i int) string {
	return "perm-concurrent-" + string(rune('a'+i))
}

func TestUnrecognisedEventTypeIsDroppedNotErrored(t *testing.T) {
	eng, _, _, _ := testEngine()
	ctx := context.Background()
	err := eng.Handle(ctx, domain.PermitEvent{Type: domain.EventType("bogus"), PermitID: "perm-1"})
	assert.NoError(t, err)
}

func TestPlanBuildFailureIsClassifiedInvalidInput(t *testing.T) {
	eng, st, _, pub := testEngine()
	ctx := context.Background()

	event := domain.PermitEvent{
		Type:     domain.EventPermitStatusUpdated,
		PermitID: "perm-1",
		Status:   domain.StatusDataPreparationPending,
		Payload:  map[string]any{}, // preprocess requires a user; this payload has none
	}
	err := eng.Handle(ctx, event)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusProvisioningFailed, status)

	require.NotEmpty(t, pub.failures)
	assert.Equal(t, string(apperr.CategoryInvalidInput), pub.failures[len(pub.failures)-1].Error.Type)
	assert.Equal(t, string(domain.StatusProvisioningFailed), pub.failures[len(pub.failures)-1].Status)
}

// TestRunSequenceReassertsFailingStatusAfterLaterSuccess guards against a
// sequence where an earlier sub-operation fails (recording
// DESTROY_FAILED) and a later sub-operation in the same transition then
// succeeds (recording PREPROCESS): the final persisted status must still
// reflect the failure, not the later success.
func TestRunSequenceReassertsFailingStatusAfterLaterSuccess(t *testing.T) {
	eng, st, drv, pub := testEngine()
	ctx := context.Background()

	require.NoError(t, eng.Handle(ctx, ingressEvent("perm-1")))

	drv.destroyErr = errors.New("destroy boom")

	event := domain.PermitEvent{
		Type:     domain.EventPermitStatusUpdated,
		PermitID: "perm-1",
		Status:   domain.StatusDataPreparationPending,
		Payload: map[string]any{
			"user": map[string]any{"username": "researcher", "uid": 2001},
		},
	}
	err := eng.Handle(ctx, event)
	require.Error(t, err)

	status, ok, _ := st.GetStatus("perm-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusDestroyFailed, status, "the destroy failure must survive the later successful provision")

	_, hasPreprocessPlan, _ := st.GetPlan("perm-1", domain.StagePreprocess)
	assert.True(t, hasPreprocessPlan, "the later provision still ran and persisted its own plan")

	var destroyFailure *domain.FailureEvent
	for i := range pub.failures {
		if pub.failures[i].Action == "destroy" {
			destroyFailure = &pub.failures[i]
		}
	}
	require.NotNil(t, destroyFailure)
	assert.Equal(t, string(domain.StatusDestroyFailed), destroyFailure.Status)
}
