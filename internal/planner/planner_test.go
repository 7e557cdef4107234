package planner

import (
	"testing"

	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{StackPrefix: "spe-workspace"}
}

func fixedSecret() string { return "generated-secret" }

func TestStackName(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, "spe-workspace-perm-1-ingress", StackName(cfg, "perm-1", domain.StageIngress))

	cfg.Organization = "acme"
	cfg.ProjectName = "spe"
	assert.Equal(t, "acme/spe/spe-workspace-perm-1-ingress", StackName(cfg, "perm-1", domain.StageIngress))
}

func TestBuildIngressDefaultsVolumesAndSecret(t *testing.T) {
	event := domain.PermitEvent{
		PermitID: "perm-1",
		Payload:  map[string]any{},
	}

	plan, err := Build(testConfig(), event, domain.StageIngress, fixedSecret)
	require.NoError(t, err)

	assert.Equal(t, domain.CurrentPlanSchemaVersion, plan.SchemaVersion)
	assert.Equal(t, "permit-perm-1", plan.WorkspaceSpec.Namespace)
	assert.Equal(t, "perm-1-ingress", plan.WorkspaceSpec.Name)
	assert.Equal(t, "workspace-ingress:stable", plan.WorkspaceSpec.Container.Image)
	require.Len(t, plan.WorkspaceSpec.Volumes, 1)
	assert.Equal(t, "uploads", plan.WorkspaceSpec.Volumes[0].Name)

	require.NotNil(t, plan.ConnectionSecret)
	assert.Equal(t, "generated-secret", plan.ConnectionSecret["password"])

	require.NotNil(t, plan.ConnectionInfo)
	assert.Equal(t, "sftp", plan.ConnectionInfo.Protocol)
	assert.Equal(t, 22, plan.ConnectionInfo.Port)
}

func TestBuildIngressFansOutPerDataHolder(t *testing.T) {
	event := domain.PermitEvent{
		PermitID: "perm-2",
		Payload: map[string]any{
			"data_holders": []any{
				map[string]any{"id": "dh1"},
				map[string]any{"id": "dh2", "size": "5Gi"},
			},
		},
	}

	plan, err := Build(testConfig(), event, domain.StageIngress, fixedSecret)
	require.NoError(t, err)
	require.Len(t, plan.WorkspaceSpec.Volumes, 2)
	assert.Equal(t, "uploads-dh1", plan.WorkspaceSpec.Volumes[0].Name)
	assert.Equal(t, "uploads-dh2", plan.WorkspaceSpec.Volumes[1].Name)
	assert.Equal(t, "5Gi", plan.WorkspaceSpec.Volumes[1].Size)
}

func TestBuildRequiresUserForPreprocess(t *testing.T) {
	event := domain.PermitEvent{
		PermitID: "perm-3",
		Payload:  map[string]any{},
	}
	_, err := Build(testConfig(), event, domain.StagePreprocess, fixedSecret)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestResolveUserFallbackOrder(t *testing.T) {
	// workspace.user wins over assignedUser and user.
	event := domain.PermitEvent{
		PermitID: "perm-4",
		Payload: map[string]any{
			"workspace": map[string]any{
				"user": map[string]any{"username": "from-workspace", "uid": 1001},
			},
			"assignedUser": map[string]any{"username": "from-assigned", "uid": 1002},
			"user":         map[string]any{"username": "from-user", "uid": 1003},
		},
	}
	plan, err := Build(testConfig(), event, domain.StagePreprocess, fixedSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-workspace", plan.WorkspaceSpec.User.Username)
	assert.Equal(t, "1001", plan.WorkspaceSpec.User.UID)

	// Without workspace.user, assignedUser is used.
	event.Payload = map[string]any{
		"assignedUser": map[string]any{"username": "from-assigned", "uid": 1002},
		"user":         map[string]any{"username": "from-user", "uid": 1003},
	}
	plan, err = Build(testConfig(), event, domain.StagePreprocess, fixedSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-assigned", plan.WorkspaceSpec.User.Username)

	// Only the bare user field present.
	event.Payload = map[string]any{
		"user": map[string]any{"username": "from-user", "uid": 1003},
	}
	plan, err = Build(testConfig(), event, domain.StagePreprocess, fixedSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-user", plan.WorkspaceSpec.User.Username)
}

func TestBuildSetupDefaultsProxySelector(t *testing.T) {
	event := domain.PermitEvent{
		PermitID: "perm-5",
		Payload: map[string]any{
			"user": map[string]any{"username": "researcher", "uid": 2001},
		},
	}
	plan, err := Build(testConfig(), event, domain.StageSetup, fixedSecret)
	require.NoError(t, err)
	require.NotNil(t, plan.Network.ProxySelector)
	assert.Equal(t, domain.ProfileSetup, plan.Network.Profile)
}

func TestBuildUnknownStage(t *testing.T) {
	event := domain.PermitEvent{PermitID: "perm-6", Payload: map[string]any{}}
	_, err := Build(testConfig(), event, domain.Stage("bogus"), fixedSecret)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}
