// Package domain holds the data model shared by the planner, the state
// store, the stack driver, and the lifecycle engine: stages, statuses, and
// the workspace plan itself.
package domain

// Stage is one of the six logical phases a permit's workspace passes
// through. Each stage materializes as a distinct stack.
type Stage string

const (
	StageIngress      Stage = "ingress"
	StagePreprocess   Stage = "preprocess"
	StageReview       Stage = "review"
	StageSetup        Stage = "setup"
	StageSetupReview  Stage = "setup-review"
	StageAnalysis     Stage = "analysis"
)

// Stages lists every stage in pipeline order; the destroy-all path and
// snapshot iteration rely on this exact ordering.
var Stages = []Stage{
	StageIngress,
	StagePreprocess,
	StageReview,
	StageSetup,
	StageSetupReview,
	StageAnalysis,
}

// Upper returns the store-facing status string for a stage, e.g. the
// status written after a successful provision ("INGRESS", "PREPROCESS", ...).
func (s Stage) Upper() string {
	switch s {
	case StageSetupReview:
		return "SETUP_REVIEW"
	default:
		return upperASCII(string(s))
	}
}

func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// PermitStatus is one of the nine lifecycle statuses carried on
// permit.status.updated events, plus the internal statuses the orchestrator
// itself writes to the state store.
type PermitStatus string

const (
	StatusAwaitingIngress             PermitStatus = "AWAITING_INGRESS"
	StatusDataPreparationPending      PermitStatus = "DATA_PREPARATION_PENDING"
	StatusDataPreparationReviewPending PermitStatus = "DATA_PREPARATION_REVIEW_PENDING"
	StatusDataPreparationRework       PermitStatus = "DATA_PREPARATION_REWORK"
	StatusWorkspaceSetupPending       PermitStatus = "WORKSPACE_SETUP_PENDING"
	StatusWorkspaceSetupReviewPending PermitStatus = "WORKSPACE_SETUP_REVIEW_PENDING"
	StatusWorkspaceSetupRework        PermitStatus = "WORKSPACE_SETUP_REWORK"
	StatusAnalysisActive              PermitStatus = "ANALYSIS_ACTIVE"
	StatusArchived                    PermitStatus = "ARCHIVED"

	// Internal statuses, never received from the bus, only written.
	StatusStopped            PermitStatus = "STOPPED"
	StatusRunning             PermitStatus = "RUNNING"
	StatusProvisioningFailed  PermitStatus = "PROVISIONING_FAILED"
	StatusDestroyFailed       PermitStatus = "DESTROY_FAILED"
)

// validStatuses is the closed set recognised when parsing an inbound event.
var validStatuses = map[PermitStatus]bool{
	StatusAwaitingIngress:              true,
	StatusDataPreparationPending:       true,
	StatusDataPreparationReviewPending: true,
	StatusDataPreparationRework:        true,
	StatusWorkspaceSetupPending:        true,
	StatusWorkspaceSetupReviewPending:  true,
	StatusWorkspaceSetupRework:         true,
	StatusAnalysisActive:               true,
	StatusArchived:                     true,
}

// ParseStatus validates a raw status string against the closed bus-facing
// set. An unrecognised value yields ("", false) - the caller logs and
// dispatches the event with a nil status rather than rejecting it outright.
func ParseStatus(raw string) (PermitStatus, bool) {
	s := PermitStatus(raw)
	if validStatuses[s] {
		return s, true
	}
	return "", false
}

// NetworkPolicyProfile is the network-policy shape applied to a stage's
// stack; STOPPED is used transiently while a stage is scaled to zero.
type NetworkPolicyProfile string

const (
	ProfileIngress      NetworkPolicyProfile = "ingress"
	ProfilePreprocess   NetworkPolicyProfile = "preprocess"
	ProfileReview       NetworkPolicyProfile = "review"
	ProfileSetup        NetworkPolicyProfile = "setup"
	ProfileSetupReview  NetworkPolicyProfile = "setup-review"
	ProfileAnalysis     NetworkPolicyProfile = "analysis"
	ProfileStopped      NetworkPolicyProfile = "stopped"
)

// stageProfile maps each stage to its steady-state network profile, used to
// restore the profile after a scale-up out of STOPPED.
var stageProfile = map[Stage]NetworkPolicyProfile{
	StageIngress:     ProfileIngress,
	StagePreprocess:  ProfilePreprocess,
	StageReview:      ProfileReview,
	StageSetup:       ProfileSetup,
	StageSetupReview: ProfileSetupReview,
	StageAnalysis:    ProfileAnalysis,
}

// NaturalProfile returns the steady-state network profile for a stage.
func NaturalProfile(stage Stage) NetworkPolicyProfile {
	return stageProfile[stage]
}

// CIDRRule is a single ingress or egress rule: a CIDR block and the TCP
// ports it is allowed on.
type CIDRRule struct {
	CIDR  string `json:"cidr"`
	Ports []int  `json:"ports,omitempty"`
}

// VolumeSpec describes one persistent volume claim attached to a workspace.
type VolumeSpec struct {
	Name         string   `json:"name"`
	StorageClass string   `json:"storage_class"`
	Size         string   `json:"size"`
	AccessModes  []string `json:"access_modes"`
	ReadOnly     bool     `json:"read_only"`
	MountPath    string   `json:"mount_path"`
}

// WorkspaceUser is the operating-system identity the workspace container
// runs as, always serialized as strings (uid/gid may arrive as numbers in
// the payload but are normalized to strings on the way in).
type WorkspaceUser struct {
	Username string `json:"username"`
	UID      string `json:"uid"`
	GID      string `json:"gid"`
}

// WorkspaceContainer is the runtime configuration of the workspace's single
// container.
type WorkspaceContainer struct {
	Image     string            `json:"image"`
	Resources map[string]string `json:"resources,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Ports     []int             `json:"ports"`
}

// WorkspaceSpec is the full pod-level specification for a stage's stack.
type WorkspaceSpec struct {
	Name               string            `json:"name"`
	Namespace          string            `json:"namespace"`
	Container          WorkspaceContainer `json:"container"`
	User               WorkspaceUser     `json:"user"`
	Volumes            []VolumeSpec      `json:"volumes"`
	ServiceAccountName string            `json:"service_account_name,omitempty"`
	Replicas           int               `json:"replicas"`
	Annotations        map[string]string `json:"annotations,omitempty"`
}

// NetworkSpec is the network-policy half of a plan.
type NetworkSpec struct {
	Profile        NetworkPolicyProfile `json:"profile"`
	Ingress        []CIDRRule           `json:"ingress,omitempty"`
	Egress         []CIDRRule           `json:"egress,omitempty"`
	ProxySelector  map[string]any       `json:"proxy_selector,omitempty"`
}

// ConnectionInfo is the user-facing access descriptor returned by the Read
// API's /connection endpoint.
type ConnectionInfo struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// WorkspacePlan is the canonical, round-trippable unit persisted per
// (permit, stage). SchemaVersion guards the on-disk wire format: a plan
// read back with an unknown version is treated as absent rather than
// partially decoded.
type WorkspacePlan struct {
	SchemaVersion    int                `json:"schema_version"`
	StackName        string             `json:"stack_name"`
	WorkspaceSpec    WorkspaceSpec      `json:"workspace_spec"`
	Network          NetworkSpec        `json:"network"`
	ConnectionSecret map[string]string  `json:"connection_secret,omitempty"`
	ConnectionInfo   *ConnectionInfo    `json:"connection_info,omitempty"`
	Exports          map[string]string  `json:"exports,omitempty"`
}

// CurrentPlanSchemaVersion is the wire-format version this build writes and
// accepts. Bump it, and add a migration in cmd/orchestrator-migrate, when
// the on-disk shape changes incompatibly.
const CurrentPlanSchemaVersion = 1
